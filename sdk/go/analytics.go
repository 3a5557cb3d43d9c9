package featureflow

import (
	"sync"
	"time"

	"github.com/yidan233/FeatureFlow/pkg/hashing"
	"github.com/yidan233/FeatureFlow/pkg/model"
)

const (
	analyticsCapacity  = 1000
	analyticsWatermark = 500
)

// AnalyticsRecord is one retained evaluation. User attributes are
// replaced by stable hash tokens before retention; the raw attribute
// map never leaves the process.
type AnalyticsRecord struct {
	FlagKey    string            `json:"flag_key"`
	VariantKey string            `json:"variant_key,omitempty"`
	Reason     model.Reason      `json:"reason"`
	UserToken  string            `json:"user_token,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// analyticsBuffer is a bounded evaluation log. When the buffer hits
// capacity the oldest half is dropped, so a stalled flusher costs
// history, not memory.
type analyticsBuffer struct {
	mu      sync.Mutex
	records []AnalyticsRecord
}

func newAnalyticsBuffer() *analyticsBuffer {
	return &analyticsBuffer{records: make([]AnalyticsRecord, 0, analyticsWatermark)}
}

func (b *analyticsBuffer) record(flagKey, variant string, reason model.Reason, user *model.UserContext) {
	rec := AnalyticsRecord{
		FlagKey:    flagKey,
		VariantKey: variant,
		Reason:     reason,
		Attributes: redactContext(user),
		Timestamp:  time.Now().UTC(),
	}
	if user != nil && user.UserID != "" {
		rec.UserToken = hashing.Token(user.UserID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= analyticsCapacity {
		kept := len(b.records) - analyticsWatermark
		b.records = append(b.records[:0], b.records[kept:]...)
	}
	b.records = append(b.records, rec)
}

// flush returns the buffered records and clears the buffer.
func (b *analyticsBuffer) flush() []AnalyticsRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AnalyticsRecord, len(b.records))
	copy(out, b.records)
	b.records = b.records[:0]
	return out
}

func (b *analyticsBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// redactContext tokenizes every attribute value. Key names survive so
// dashboards can segment on them; values do not.
func redactContext(user *model.UserContext) map[string]string {
	if user == nil {
		return nil
	}
	out := make(map[string]string, len(user.Attributes)+len(user.CustomAttributes))
	for k, v := range user.Attributes {
		out[k] = hashing.Token(v)
	}
	for k, v := range user.CustomAttributes {
		out[k] = hashing.Token(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
