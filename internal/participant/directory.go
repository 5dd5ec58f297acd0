// Package participant looks up participant profiles from the user service.
package participant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/matheus3301/convsync/internal/cache"
	"github.com/matheus3301/convsync/internal/fetch"
	"github.com/matheus3301/convsync/internal/model"
)

// Directory resolves participant ids against <baseURL>/users/<id>.
type Directory struct {
	client  *fetch.Client
	baseURL string
}

// NewDirectory creates a directory over the user service at baseURL.
func NewDirectory(client *fetch.Client, baseURL string) *Directory {
	return &Directory{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Lookup returns the participant profile, possibly from cache when the user
// service is unreachable.
func (d *Directory) Lookup(ctx context.Context, id string) (model.Participant, cache.Freshness, error) {
	if strings.TrimSpace(id) == "" {
		return model.Participant{}, cache.Freshness{}, model.ErrInvalidParticipants
	}
	if d.baseURL == "" {
		return model.Participant{}, cache.Freshness{}, fmt.Errorf("%w: no user service configured", model.ErrStoreUnavailable)
	}
	p, fresh, err := fetch.GetJSON[model.Participant](ctx, d.client, d.baseURL+"/users/"+url.PathEscape(id))
	if err != nil {
		var se *fetch.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return model.Participant{}, fresh, fmt.Errorf("participant %q: %w", id, model.ErrNotFound)
		}
		return model.Participant{}, fresh, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, fresh, nil
}
