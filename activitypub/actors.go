package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Resolver resolves actor URIs to delivery endpoints and public keys.
// Fresh results live in an expiring LRU in front of the remote_accounts
// table; failed resolutions are negative-cached for a shorter TTL so a
// dead domain is not hammered on every inbound activity. Concurrent
// resolutions of one URI collapse into a single fetch.
type Resolver struct {
	db       *db.DB
	client   *http.Client
	actorTTL time.Duration

	cache    *expirable.LRU[string, *domain.RemoteAccount]
	negative *expirable.LRU[string, time.Time]
	group    singleflight.Group
}

func NewResolver(database *db.DB, conf *util.AppConfig) *Resolver {
	return &Resolver{
		db:       database,
		client:   &http.Client{Timeout: conf.Federation.RequestTimeout()},
		actorTTL: conf.Cache.ActorTTL(),
		cache:    expirable.NewLRU[string, *domain.RemoteAccount](2048, nil, conf.Cache.ActorTTL()),
		negative: expirable.NewLRU[string, time.Time](2048, nil, conf.Cache.NegativeTTL()),
	}
}

// Resolve returns the actor behind actorURI, from memory, the database, or
// the remote server, in that order.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	if cached, ok := r.cache.Get(actorURI); ok {
		return cached, nil
	}
	if _, ok := r.negative.Get(actorURI); ok {
		return nil, fmt.Errorf("resolution of %s recently failed: %w", actorURI, domain.ErrKeyUnresolvable)
	}

	v, err, _ := r.group.Do(actorURI, func() (interface{}, error) {
		// Database copy is good enough while fresh
		err, stored := r.db.ReadRemoteAccountByURI(actorURI)
		if err == nil && stored != nil && time.Since(stored.LastFetchedAt) < r.actorTTL {
			return stored, nil
		}

		fetched, err := r.fetchRemoteActor(ctx, actorURI)
		if err != nil {
			r.negative.Add(actorURI, time.Now())
			return nil, fmt.Errorf("%v: %w", err, domain.ErrKeyUnresolvable)
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}

	actor := v.(*domain.RemoteAccount)
	r.cache.Add(actorURI, actor)
	return actor, nil
}

// ResolveKey resolves a signature keyId to the owning actor. The fragment
// is dropped: "https://host/users/alice#main-key" identifies alice.
func (r *Resolver) ResolveKey(ctx context.Context, keyId string) (*domain.RemoteAccount, error) {
	actorURI := strings.Split(keyId, "#")[0]
	return r.Resolve(ctx, actorURI)
}

// Invalidate drops an actor from both caches. Called on key-rotation
// signals (an inbound Update of a Person) so the next verification
// re-fetches.
func (r *Resolver) Invalidate(actorURI string) {
	r.cache.Remove(actorURI)
	r.negative.Remove(actorURI)
}

// fetchRemoteActor fetches an actor document and upserts it into the
// remote_accounts cache table. Transient failures retry with backoff; a
// 4xx is final.
func (r *Resolver) fetchRemoteActor(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	var actor ActorResponse

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, "GET", actorURI, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/activity+json")
			req.Header.Set("User-Agent", "mammut/1.0 ActivityPub")

			resp, err := r.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(err)
				}
				return err
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			return json.Unmarshal(body, &actor)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("Resolver: retrying fetch of %s (attempt %d): %v", actorURI, n+1, err)
		}),
	)
	if err != nil {
		return nil, err
	}

	// Validate required fields
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		KeyId:          actor.PublicKey.ID,
		LastFetchedAt:  time.Now(),
	}

	if err := r.db.CreateRemoteAccount(remoteAcc); err != nil {
		// Already known, refresh the stored copy and keep its id
		if updateErr := r.db.UpdateRemoteAccount(remoteAcc); updateErr != nil {
			return nil, fmt.Errorf("failed to store remote account: %w", updateErr)
		}
		if err, stored := r.db.ReadRemoteAccountByURI(remoteAcc.ActorURI); err == nil && stored != nil {
			remoteAcc = stored
		}
	}

	return remoteAcc, nil
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}

	return parsed.Host, nil
}
