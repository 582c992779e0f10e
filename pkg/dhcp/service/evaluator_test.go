package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
)

func chainPaths(result *EvaluationResult) []string {
	paths := make([]string, 0, len(result.Chain))
	for _, ref := range result.Chain {
		paths = append(paths, ref.Path)
	}
	return paths
}

func TestEvaluateHomeScenarios(t *testing.T) {
	tree, err := BuildPolicyTree(homePolicies())
	require.NoError(t, err)

	tests := []struct {
		name      string
		ctx       *resource.RequestContext
		matched   bool
		chain     []string
		scope     string
		poolFirst string
		poolSize  uint64
	}{
		{
			name:      "reserved host on lan",
			ctx:       resource.NewRequestContext(macHost1, prefix("192.0.2.0/24")),
			matched:   true,
			chain:     []string{"0", "0.0", "0.0.0"},
			scope:     "root/lan/host1",
			poolFirst: "192.0.2.1",
			poolSize:  1,
		},
		{
			name:      "unknown host on lan",
			ctx:       resource.NewRequestContext(macHost3, prefix("192.0.2.0/24")),
			matched:   true,
			chain:     []string{"0", "0.0"},
			scope:     "root/lan",
			poolFirst: "192.0.2.3",
			poolSize:  252,
		},
		{
			name:      "known guest outside lan",
			ctx:       resource.NewRequestContext(macGuestF0, prefix("203.0.113.0/24")),
			matched:   true,
			chain:     []string{"0", "0.1", "0.1.0"},
			scope:     "root/guest/#0",
			poolFirst: "198.51.100.1",
			poolSize:  254,
		},
		{
			name:    "unknown host outside lan",
			ctx:     resource.NewRequestContext(macHost3, prefix("203.0.113.0/24")),
			matched: false,
		},
		{
			name:      "relay subnet inside lan",
			ctx:       resource.NewRequestContext(macHost2, prefix("192.0.2.7/32")),
			matched:   true,
			chain:     []string{"0", "0.0", "0.0.1"},
			scope:     "root/lan/host2",
			poolFirst: "192.0.2.2",
			poolSize:  1,
		},
	}

	for _, tt := range tests {
		result, ok := Evaluate(tree, tt.ctx)
		require.Equal(t, tt.matched, ok, tt.name)
		if !ok {
			assert.Nil(t, result, tt.name)
			continue
		}

		assert.Equal(t, tt.chain, chainPaths(result), tt.name)
		assert.Equal(t, tt.scope, result.Scope(), tt.name)
		assert.Equal(t, tt.poolSize, result.Pool.Size(), tt.name)
		assert.Equal(t, ip(tt.poolFirst), result.Pool.Ranges()[0].From(), tt.name)
		assert.True(t, ips("192.0.2.53").Equal(result.Options[resource.OptionDNSServers]), tt.name)
		assert.True(t, ips("192.0.2.123").Equal(result.Options[resource.OptionNTPServers]), tt.name)
	}
}

func TestEvaluateOverride(t *testing.T) {
	policies := homePolicies()
	lan := policies[0].Policies[0]
	lan.Options = map[resource.OptionID]resource.OptionValue{
		resource.OptionDNSServers: ips("192.0.2.1", "192.0.2.2"),
		resource.OptionDomainName: resource.StringValue("home.arpa"),
	}
	lan.Policies[0].Options = map[resource.OptionID]resource.OptionValue{
		resource.OptionDNSServers: ips("9.9.9.9"),
		resource.OptionHostname:   resource.StringValue("printer"),
	}

	tree, err := BuildPolicyTree(policies)
	require.NoError(t, err)

	result, ok := Evaluate(tree, resource.NewRequestContext(macHost1, prefix("192.0.2.0/24")))
	require.True(t, ok)
	assert.Len(t, result.Options, 4)
	assert.Equal(t, "[9.9.9.9]", result.Options[resource.OptionDNSServers].String())
	assert.Equal(t, "home.arpa", result.Options[resource.OptionDomainName].Str())
	assert.Equal(t, "printer", result.Options[resource.OptionHostname].Str())
	assert.True(t, ips("192.0.2.123").Equal(result.Options[resource.OptionNTPServers]))

	result, ok = Evaluate(tree, resource.NewRequestContext(macHost3, prefix("192.0.2.0/24")))
	require.True(t, ok)
	assert.Equal(t, "[192.0.2.1,192.0.2.2]", result.Options[resource.OptionDNSServers].String())
	_, ok = result.Options[resource.OptionHostname]
	assert.False(t, ok)

	// a result never aliases the policy maps
	result.Options[resource.OptionDomainName] = resource.StringValue("changed")
	assert.Equal(t, "home.arpa", lan.Options[resource.OptionDomainName].Str())
}

func TestEvaluateDeterminism(t *testing.T) {
	tree, err := BuildPolicyTree(homePolicies())
	require.NoError(t, err)

	ctx := resource.NewRequestContext(macGuestF1, prefix("198.51.100.0/24")).
		Request(resource.OptionDNSServers)
	first, ok := Evaluate(tree, ctx)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := Evaluate(tree, ctx)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	tree, err := BuildPolicyTree([]*resource.Policy{
		{
			Name:    "vendor",
			Matches: []resource.MatchCondition{resource.MatchOptionEquals(resource.OptionVendorClass, resource.StringValue("android-dhcp-13"))},
			Options: map[resource.OptionID]resource.OptionValue{resource.OptionCaptivePortal: resource.StringValue("https://portal.home.arpa")},
		},
		{
			Name:    "fallback",
			Matches: []resource.MatchCondition{resource.MatchSubnet(prefix("0.0.0.0/0"))},
		},
	})
	require.NoError(t, err)

	ctx := resource.NewRequestContext(macHost3, prefix("192.0.2.0/24"))
	result, ok := Evaluate(tree, ctx)
	require.True(t, ok)
	assert.Equal(t, "fallback", result.ChainString())
	assert.Equal(t, "fallback", result.Scope())

	ctx.Receive(resource.OptionVendorClass, resource.StringValue("android-dhcp-13"))
	result, ok = Evaluate(tree, ctx)
	require.True(t, ok)
	assert.Equal(t, "vendor", result.ChainString())
	assert.Equal(t, "vendor", result.Scope())
}

const time2h = 2 * time.Hour

func TestReplyOptionsAndLeaseTime(t *testing.T) {
	result := &EvaluationResult{Options: map[resource.OptionID]resource.OptionValue{
		resource.OptionDNSServers: ips("192.0.2.53"),
		resource.OptionRouters:    ips("192.0.2.254"),
		resource.OptionLeaseTime:  resource.DurationValue(time2h),
	}}

	assert.Empty(t, result.ReplyOptions(nil))
	assert.Empty(t, result.ReplyOptions(map[resource.OptionID]struct{}{}))
	reply := result.ReplyOptions(map[resource.OptionID]struct{}{resource.OptionRouters: {}, resource.OptionHostname: {}})
	assert.Len(t, reply, 1)
	assert.Contains(t, reply, resource.OptionRouters)

	assert.Equal(t, time2h, result.LeaseTime(DefaultLeaseTime))
	delete(result.Options, resource.OptionLeaseTime)
	assert.Equal(t, DefaultLeaseTime, result.LeaseTime(DefaultLeaseTime))
}

func TestScopeSurvivesSiblingInsertion(t *testing.T) {
	tree, err := BuildPolicyTree(homePolicies())
	require.NoError(t, err)
	ctx := resource.NewRequestContext(macHost2, prefix("192.0.2.0/24"))
	before, ok := Evaluate(tree, ctx)
	require.True(t, ok)
	guest, ok := Evaluate(tree, resource.NewRequestContext(macGuestF1, prefix("203.0.113.0/24")))
	require.True(t, ok)

	policies := homePolicies()
	lan := policies[0].Policies[0]
	lan.Policies = append([]*resource.Policy{{
		Name:    "printer",
		Matches: []resource.MatchCondition{resource.MatchHardwareAddress(macHost3)},
	}}, lan.Policies...)
	policies[0].Policies = append([]*resource.Policy{{Name: "iot"}}, policies[0].Policies...)

	tree, err = BuildPolicyTree(policies)
	require.NoError(t, err)
	after, ok := Evaluate(tree, ctx)
	require.True(t, ok)
	assert.Equal(t, "0.1.2", after.Chain[len(after.Chain)-1].Path)
	assert.Equal(t, before.Scope(), after.Scope())
	assert.Equal(t, "root/lan/host2", after.Scope())

	// unnamed policies keep their position as scope
	guestAfter, ok := Evaluate(tree, resource.NewRequestContext(macGuestF1, prefix("203.0.113.0/24")))
	require.True(t, ok)
	assert.Equal(t, guest.Scope(), guestAfter.Scope())
	assert.Equal(t, "root/guest/#1", guestAfter.Scope())
}

func TestBuildPolicyTreeRejectsDuplicateSiblingNames(t *testing.T) {
	policies := homePolicies()
	policies[0].Policies[0].Policies[1].Name = "host1"
	_, err := BuildPolicyTree(policies)
	assert.True(t, errorno.IsKind(err, errorno.KindInvalidPolicy))

	// the same name under different parents is fine
	policies = homePolicies()
	policies[0].Policies[1].Policies[0].Name = "host1"
	_, err = BuildPolicyTree(policies)
	assert.NoError(t, err)
}
