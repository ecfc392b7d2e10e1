package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshcore/pkg/errkind"
	"github.com/meshcore/meshcore/pkg/registry"
)

func TestAuthenticatorIssueVerify(t *testing.T) {
	t.Run("should verify a token it issued", func(t *testing.T) {
		auth := registry.NewAuthenticator("test-secret")

		token, err := auth.Issue("service-a", []string{"route:orders"}, time.Minute)
		require.NoError(t, err)

		claims, err := auth.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "service-a", claims.ServiceID)
		assert.Equal(t, []string{"route:orders"}, claims.Permissions)
	})

	t.Run("should accept a Bearer-prefixed header value", func(t *testing.T) {
		auth := registry.NewAuthenticator("test-secret")
		token, err := auth.Issue("service-a", nil, time.Minute)
		require.NoError(t, err)

		claims, err := auth.Verify("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "service-a", claims.ServiceID)
	})

	t.Run("should reject a token signed with a different secret", func(t *testing.T) {
		issuer := registry.NewAuthenticator("secret-a")
		verifier := registry.NewAuthenticator("secret-b")

		token, err := issuer.Issue("service-a", nil, time.Minute)
		require.NoError(t, err)

		_, err = verifier.Verify(token)
		assert.True(t, errkind.Is(err, errkind.Validation))
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		auth := registry.NewAuthenticator("test-secret")
		token, err := auth.Issue("service-a", nil, -time.Minute)
		require.NoError(t, err)

		_, err = auth.Verify(token)
		assert.True(t, errkind.Is(err, errkind.Validation))
	})

	t.Run("should reject garbage input", func(t *testing.T) {
		auth := registry.NewAuthenticator("test-secret")
		_, err := auth.Verify("not-a-token")
		assert.True(t, errkind.Is(err, errkind.Validation))
	})
}
