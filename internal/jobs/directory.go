package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

// wildcardRegion lists recipients alerted for every region.
const wildcardRegion = "*"

// StaticDirectory resolves recipients from a fixed region map.
type StaticDirectory struct {
	byRegion map[string][]domain.Recipient
}

// ParseDirectory reads a JSON object of region -> recipients, e.g.
//
//	{"north":[{"channel":"sms","address":"+15551234567"}],"*":[...]}
//
// An empty string yields an empty directory.
func ParseDirectory(raw string) (*StaticDirectory, error) {
	d := &StaticDirectory{byRegion: map[string][]domain.Recipient{}}
	if strings.TrimSpace(raw) == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), &d.byRegion); err != nil {
		return nil, fmt.Errorf("parse recipient directory: %w", err)
	}
	for region, rs := range d.byRegion {
		for _, r := range rs {
			if !r.Channel.IsValid() || r.Address == "" {
				return nil, fmt.Errorf("recipient directory: region %q has invalid recipient %+v", region, r)
			}
		}
	}
	return d, nil
}

// Recipients returns the region's recipients followed by the wildcard ones,
// without duplicates.
func (d *StaticDirectory) Recipients(_ context.Context, _ string, alert domain.DisasterAlert) ([]domain.Recipient, error) {
	seen := map[domain.Recipient]bool{}
	var out []domain.Recipient
	for _, key := range []string{alert.Region, wildcardRegion} {
		for _, r := range d.byRegion[key] {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out, nil
}
