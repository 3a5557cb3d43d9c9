package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/model"
)

func localOnlyCache(ttl time.Duration) *ConfigCache {
	return &ConfigCache{
		logger:   zerolog.Nop(),
		localTTL: ttl,
		local:    make(map[string]localEntry),
	}
}

func snapFor(flagKey, env string) *model.FlagSnapshot {
	return &model.FlagSnapshot{
		Flag:   model.Flag{Key: flagKey, Type: model.FlagTypeBoolean},
		Config: model.FlagConfig{Environment: env, Enabled: true},
	}
}

func TestKeyFormat(t *testing.T) {
	if got := Key("checkout_redesign", "production"); got != "flag_config:checkout_redesign:production" {
		t.Fatalf("Key = %q", got)
	}
}

func TestLocalTierRoundTrip(t *testing.T) {
	c := localOnlyCache(time.Minute)
	key := Key("f1", "production")

	if c.localGet(key) != nil {
		t.Fatal("expected empty local tier")
	}
	c.localSet(key, snapFor("f1", "production"))
	snap := c.localGet(key)
	if snap == nil || snap.Flag.Key != "f1" {
		t.Fatalf("localGet = %+v, want stored snapshot", snap)
	}
}

func TestLocalTierExpiry(t *testing.T) {
	c := localOnlyCache(time.Millisecond)
	key := Key("f1", "production")
	c.localSet(key, snapFor("f1", "production"))
	time.Sleep(5 * time.Millisecond)
	if c.localGet(key) != nil {
		t.Fatal("expired entry must not be served")
	}
}

func TestLocalTierDisabledByZeroTTL(t *testing.T) {
	c := localOnlyCache(0)
	key := Key("f1", "production")
	c.localSet(key, snapFor("f1", "production"))
	if c.localGet(key) != nil {
		t.Fatal("zero local TTL must disable the local tier")
	}
}

func TestDropLocalSingleEnvironment(t *testing.T) {
	c := localOnlyCache(time.Minute)
	c.localSet(Key("f1", "production"), snapFor("f1", "production"))
	c.localSet(Key("f1", "staging"), snapFor("f1", "staging"))

	c.DropLocal("f1", "production")
	if c.localGet(Key("f1", "production")) != nil {
		t.Fatal("dropped entry still served")
	}
	if c.localGet(Key("f1", "staging")) == nil {
		t.Fatal("other environment must survive a single-env drop")
	}
}

func TestDropLocalAllEnvironments(t *testing.T) {
	c := localOnlyCache(time.Minute)
	c.localSet(Key("f1", "production"), snapFor("f1", "production"))
	c.localSet(Key("f1", "staging"), snapFor("f1", "staging"))
	c.localSet(Key("f2", "production"), snapFor("f2", "production"))

	c.DropLocal("f1", "")
	if c.localGet(Key("f1", "production")) != nil || c.localGet(Key("f1", "staging")) != nil {
		t.Fatal("flag-wide drop missed an environment")
	}
	if c.localGet(Key("f2", "production")) == nil {
		t.Fatal("flag-wide drop must not touch other flags")
	}
}

func TestDropLocalDoesNotMatchPrefixFlags(t *testing.T) {
	// f1 must not sweep f1_extended; the key format's trailing colon is
	// what separates them.
	c := localOnlyCache(time.Minute)
	c.localSet(Key("f1_extended", "production"), snapFor("f1_extended", "production"))
	c.DropLocal("f1", "")
	if c.localGet(Key("f1_extended", "production")) == nil {
		t.Fatal("drop of f1 swept f1_extended")
	}
}

func TestStatsLocalSize(t *testing.T) {
	c := localOnlyCache(time.Minute)
	c.localSet(Key("f1", "production"), snapFor("f1", "production"))
	c.localSet(Key("f2", "production"), snapFor("f2", "production"))
	if got := c.Stats().LocalSize; got != 2 {
		t.Fatalf("LocalSize = %d, want 2", got)
	}
}
