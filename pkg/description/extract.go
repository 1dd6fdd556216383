package description

import (
	"fmt"
	"net/url"
	"strings"
)

// Extract returns the eventable services of desc in document order with
// their eventSubURL resolved against base. Services without an event path
// are skipped.
func Extract(desc *Descriptor, base string) ([]EventService, error) {
	if desc == nil {
		return nil, nil
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base %q: %w", base, err)
	}

	out := make([]EventService, 0, len(desc.Services))
	for _, s := range desc.Services {
		path := strings.TrimSpace(s.EventSubPath)
		if path == "" {
			continue
		}
		ref, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("parse eventSubURL %q of %s: %w", path, s.ServiceID, err)
		}
		out = append(out, EventService{
			ServiceID: s.ServiceID,
			EventURL:  baseURL.ResolveReference(ref).String(),
		})
	}
	return out, nil
}
