package invitation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenCodecRoundTrip(t *testing.T) {
	codec := NewTokenCodec("secret")

	token, err := codec.Issue(TokenPayload{Email: "rina@example.edu", Org: "Example University"}, time.Hour)
	require.NoError(t, err)

	payload, err := codec.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "rina@example.edu", payload.Email)
	require.Equal(t, "Example University", payload.Org)
}

func TestTokenCodecRejectsExpired(t *testing.T) {
	codec := NewTokenCodec("secret")

	token, err := codec.Issue(TokenPayload{Email: "rina@example.edu"}, -time.Minute)
	require.NoError(t, err)

	_, err = codec.Verify(token)
	require.Error(t, err)
}

func TestTokenCodecRejectsForeignSignature(t *testing.T) {
	issuer := NewTokenCodec("secret-a")
	verifier := NewTokenCodec("secret-b")

	token, err := issuer.Issue(TokenPayload{Email: "rina@example.edu"}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestTokenCodecIssuesUniqueTokens(t *testing.T) {
	codec := NewTokenCodec("secret")

	a, err := codec.Issue(TokenPayload{Email: "rina@example.edu"}, time.Hour)
	require.NoError(t, err)
	b, err := codec.Issue(TokenPayload{Email: "rina@example.edu"}, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "every token carries its own id")
}
