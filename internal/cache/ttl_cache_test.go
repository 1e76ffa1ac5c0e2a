package cache

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	subscriptiondomain "github.com/smallbiznis/tunnelgate/internal/subscription/domain"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpires(t *testing.T) {
	c, err := NewTTLCache[string, int](100)
	require.NoError(t, err)

	c.Set("a", 1, 50*time.Millisecond)
	c.Wait()
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestIngestResolverCacheSkipsEmptySubscription(t *testing.T) {
	rc, err := NewIngestResolverCache()
	require.NoError(t, err)
	impl := rc.(*ingestResolverCache)

	user := uuid.New()
	rc.SetActiveSubscription(user, subscriptiondomain.Subscription{})
	impl.subscriptions.Wait()
	_, ok := rc.GetActiveSubscription(user)
	require.False(t, ok)

	rc.SetActiveSubscription(user, subscriptiondomain.Subscription{ID: snowflake.ID(42), UserID: user})
	impl.subscriptions.Wait()
	got, ok := rc.GetActiveSubscription(user)
	require.True(t, ok)
	require.Equal(t, snowflake.ID(42), got.ID)

	rc.InvalidateUser(user)
	impl.subscriptions.Wait()
	_, ok = rc.GetActiveSubscription(user)
	require.False(t, ok)
}
