package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-tokengate/internal/metrics"
	"github.com/rcourtman/pulse-tokengate/internal/policy"
	"github.com/rcourtman/pulse-tokengate/internal/prompt"
)

func TestClickIgnoresNonNavigatingLinks(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")

	for _, href := range []string{"", "   ", "#hosts", "javascript:void(0)", "JavaScript:alert(1)"} {
		nav, err := f.broker.Click(context.Background(), href)
		require.NoError(t, err)
		assert.Equal(t, metrics.NavigationIgnored, nav.Action, href)
		assert.False(t, nav.Prevented)
	}
	assert.Len(t, f.broker.Page().History(), 1)
	assert.Empty(t, f.prompter.Calls())
}

func TestClickUngovernedLinkNavigates(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")

	nav, err := f.broker.Click(context.Background(), "/status?view=all")
	require.NoError(t, err)
	assert.Equal(t, metrics.NavigationAllowed, nav.Action)
	assert.False(t, nav.Prevented)
	assert.Equal(t, "https://gateway.example.com/status?view=all", nav.URL)
}

func TestClickAppendsStoredToken(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")
	require.NoError(t, f.store.Set(policy.KeyLabManager, "lab secret"))

	nav, err := f.broker.Click(context.Background(), "/lab-manager/hosts?tab=power#node-1")
	require.NoError(t, err)
	assert.Equal(t, metrics.NavigationAppended, nav.Action)
	assert.True(t, nav.Prevented)
	// The destination page ingests and scrubs the token on load.
	assert.Equal(t, "https://gateway.example.com/lab-manager/hosts?tab=power#node-1", nav.URL)
	assert.Empty(t, f.prompter.Calls())

	value, ok := f.store.Get(policy.KeyLabManager)
	require.True(t, ok)
	assert.Equal(t, "lab secret", value)
}

func TestClickForeignOriginLinkNeverCarriesToken(t *testing.T) {
	for _, href := range []string{
		"https://evil.example.net/lab-manager",
		"//evil.example.net/lab-manager/hosts",
		"http://gateway.example.com/lab-manager",
		"https://gateway.example.com:8443/lab-manager",
	} {
		t.Run(href, func(t *testing.T) {
			f := newFixture(t, "https://gateway.example.com/")
			require.NoError(t, f.store.Set(policy.KeyLabManager, "lab secret"))

			nav, err := f.broker.Click(context.Background(), href)
			require.NoError(t, err)
			assert.Equal(t, metrics.NavigationAllowed, nav.Action)
			assert.False(t, nav.Prevented)
			assert.NotContains(t, nav.URL, "token=")
			for _, visited := range f.broker.Page().History() {
				assert.NotContains(t, visited, "token=")
			}
			assert.Empty(t, f.prompter.Calls())

			value, ok := f.store.Get(policy.KeyLabManager)
			require.True(t, ok)
			assert.Equal(t, "lab secret", value)
		})
	}
}

func TestClickSameOriginAbsoluteLinkIsGoverned(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")
	require.NoError(t, f.store.Set(policy.KeyLabManager, "lab secret"))

	nav, err := f.broker.Click(context.Background(), "HTTPS://Gateway.Example.com/lab-manager")
	require.NoError(t, err)
	assert.Equal(t, metrics.NavigationAppended, nav.Action)
	assert.True(t, nav.Prevented)
}

func TestClickKeepsExplicitToken(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")
	require.NoError(t, f.store.Set(policy.KeyLabManager, "stored"))

	nav, err := f.broker.Click(context.Background(), "/lab-manager?token=explicit")
	require.NoError(t, err)
	assert.Equal(t, metrics.NavigationAllowed, nav.Action)
	assert.False(t, nav.Prevented)
	assert.Equal(t, "https://gateway.example.com/lab-manager", nav.URL)

	value, _ := f.store.Get(policy.KeyLabManager)
	assert.Equal(t, "explicit", value, "the URL token is ingested on load")
}

func TestClickPromptsWithoutStoredToken(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/", prompt.Submit("fresh", true))

	nav, err := f.broker.Click(context.Background(), "/wallet")
	require.NoError(t, err)
	assert.Equal(t, metrics.NavigationPrompted, nav.Action)
	assert.True(t, nav.Prevented)
	assert.Equal(t, "https://gateway.example.com/wallet", nav.URL)

	calls := f.prompter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/wallet", calls[0].Policy.Prefix)

	value, ok := f.store.Get(policy.KeyTreasury)
	require.True(t, ok)
	assert.Equal(t, "fresh", value)
}

func TestClickCancelledPromptStays(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/dashboard", prompt.Cancel())

	nav, err := f.broker.Click(context.Background(), "/treasury")
	require.NoError(t, err)
	assert.Equal(t, metrics.NavigationCancelled, nav.Action)
	assert.True(t, nav.Prevented)
	assert.Empty(t, nav.URL)
	assert.Equal(t, "https://gateway.example.com/dashboard", f.broker.Page().String())
}

func TestClickOnPrivatePageWithoutTokenNavigates(t *testing.T) {
	f := newFixture(t, "http://192.168.1.10/", prompt.Submit("unused", true))

	nav, err := f.broker.Click(context.Background(), "/lab-manager")
	require.NoError(t, err)
	assert.Equal(t, metrics.NavigationAllowed, nav.Action)
	assert.Equal(t, "http://192.168.1.10/lab-manager", nav.URL)
	assert.Empty(t, f.prompter.Calls())
}

func TestClickContextCancelled(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/", prompt.Submit("late", true))
	block := make(chan struct{})
	defer close(block)
	f.prompter.Block = block

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.broker.Click(ctx, "/lab-manager")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, f.broker.Page().History(), 1)
}

func TestLoadIngestsAndScrubsToken(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")

	visible, err := f.broker.Load("https://gateway.example.com/lab-manager?tab=hosts&token=abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/lab-manager?tab=hosts", visible)

	value, ok := f.store.Get(policy.KeyLabManager)
	require.True(t, ok)
	assert.Equal(t, "abc123", value)

	assert.Equal(t, []string{
		"https://gateway.example.com/",
		"https://gateway.example.com/lab-manager?tab=hosts",
	}, f.broker.Page().History(), "the token never reaches history")
}

func TestLoadDiscardsUnusableOrUngovernedTokens(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")
	require.NoError(t, f.store.Set(policy.KeyTreasury, "keep"))

	visible, err := f.broker.Load("/treasury?token=changeme")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/treasury", visible)
	value, _ := f.store.Get(policy.KeyTreasury)
	assert.Equal(t, "keep", value)

	visible, err = f.broker.Load("/status?token=abc")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/status", visible)
	assert.Equal(t, []string{policy.KeyTreasury}, f.store.Keys())
}

func TestLoadWithoutTokenLeavesURL(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/")

	visible, err := f.broker.Load("/ops?b=2&a=1")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/ops?b=2&a=1", visible)
	assert.Empty(t, f.store.Keys())
}

func TestIngestCurrentPage(t *testing.T) {
	f := newFixture(t, "https://gateway.example.com/ops-api/hosts?token=ops-1")

	visible, err := f.broker.Ingest()
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example.com/ops-api/hosts", visible)
	value, ok := f.store.Get(policy.KeyOps)
	require.True(t, ok)
	assert.Equal(t, "ops-1", value)
}
