package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

func TestIssuer_IssueVerify(t *testing.T) {
	iss, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)

	id, err := iss.Issue()
	require.NoError(t, err)
	assert.NotEmpty(t, id.UID)

	uid, err := iss.Verify(id.Token)
	require.NoError(t, err)
	assert.Equal(t, id.UID, uid)
}

func TestIssuer_RejectsForeignAndExpired(t *testing.T) {
	a, _ := NewIssuer("secret-a", time.Hour)
	b, _ := NewIssuer("secret-b", time.Hour)
	id, err := a.Issue()
	require.NoError(t, err)

	_, err = b.Verify(id.Token)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)

	_, err = a.Verify("not-a-jwt")
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = a.Verify(id.Token)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func TestNewIssuer_RandomSecret(t *testing.T) {
	a, err := NewIssuer("", 0)
	require.NoError(t, err)
	b, err := NewIssuer("", 0)
	require.NoError(t, err)
	id, err := a.Issue()
	require.NoError(t, err)
	_, err = b.Verify(id.Token)
	assert.Error(t, err)
}

func TestSession_WaitTimesOutWithoutSignIn(t *testing.T) {
	iss, _ := NewIssuer("s", time.Hour)
	s := NewSession(iss)

	start := time.Now()
	_, err := s.Wait(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSession_WaitUnblocksOnSignIn(t *testing.T) {
	iss, _ := NewIssuer("s", time.Hour)
	s := NewSession(iss)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.SignIn(context.Background())
	}()
	id, err := s.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, id.UID)

	again, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, id.UID, again.UID)
}

func TestSession_RefreshesExpired(t *testing.T) {
	iss, _ := NewIssuer("s", time.Minute)
	s := NewSession(iss)
	first, err := s.SignIn(context.Background())
	require.NoError(t, err)

	iss.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, ok := s.Current()
	assert.False(t, ok)

	id, err := s.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first.UID, id.UID)
}
