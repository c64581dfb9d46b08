// Package entity exposes the expiring entity store as query operations and
// announces mutations on the broadcast service.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/gorelay/internal/expiry"
	"github.com/Tyrowin/gorelay/internal/logger"
	"github.com/Tyrowin/gorelay/internal/query"
)

// Topics published by mutations.
const (
	TopicCreated = "entity.created"
	TopicDeleted = "entity.deleted"
)

// MaxKeyLength bounds entity keys.
const MaxKeyLength = 256

// Publisher announces events to subscribers.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Deleted is the result of deleteEntity and the payload of TopicDeleted.
type Deleted struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

type resolvers struct {
	store     expiry.Store
	publisher Publisher
	now       func() time.Time
}

// Schema builds the entity operations over store. publisher may be nil and
// now defaults to time.Now.
func Schema(store expiry.Store, publisher Publisher, now func() time.Time) query.Schema {
	if now == nil {
		now = time.Now
	}
	r := &resolvers{store: store, publisher: publisher, now: now}
	return query.Schema{
		"entity": {
			Kind:        query.KindQuery,
			Description: "Fetch one entity by key.",
			Resolve:     r.entity,
		},
		"entities": {
			Kind:        query.KindQuery,
			Description: "List every live entity.",
			Resolve:     r.entities,
		},
		"createEntity": {
			Kind:        query.KindMutation,
			Description: "Create or replace an entity, optionally expiring after ttlSeconds.",
			Resolve:     r.createEntity,
		},
		"deleteEntity": {
			Kind:        query.KindMutation,
			Description: "Delete an entity by key.",
			Resolve:     r.deleteEntity,
		},
	}
}

func key(vars query.Variables) (string, error) {
	k, err := vars.String("key")
	if err != nil {
		return "", err
	}
	if k == "" || len(k) > MaxKeyLength {
		return "", &query.VariableError{Name: "key", Reason: fmt.Sprintf("must be 1 to %d bytes", MaxKeyLength)}
	}
	return k, nil
}

func (r *resolvers) entity(ctx context.Context, vars query.Variables) (any, error) {
	k, err := key(vars)
	if err != nil {
		return nil, err
	}
	e, err := r.store.Get(ctx, k, r.now())
	if errors.Is(err, expiry.ErrNotFound) {
		return nil, fmt.Errorf("entity %q not found", k)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *resolvers) entities(ctx context.Context, _ query.Variables) (any, error) {
	list, err := r.store.List(ctx, r.now())
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []expiry.Entry{}
	}
	return list, nil
}

func (r *resolvers) createEntity(ctx context.Context, vars query.Variables) (any, error) {
	k, err := key(vars)
	if err != nil {
		return nil, err
	}
	value, err := vars.Value("value")
	if err != nil {
		return nil, err
	}
	ttl, err := vars.Int("ttlSeconds", 0)
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, &query.VariableError{Name: "ttlSeconds", Reason: "must not be negative"}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &query.VariableError{Name: "value", Reason: "must be JSON encodable"}
	}

	now := r.now().UTC()
	e := expiry.Entry{Key: k, Value: raw, CreatedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(time.Duration(ttl) * time.Second)
	}
	if err := r.store.Put(ctx, e); err != nil {
		return nil, err
	}
	r.publish(TopicCreated, e)
	return e, nil
}

func (r *resolvers) deleteEntity(ctx context.Context, vars query.Variables) (any, error) {
	k, err := key(vars)
	if err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, k); err != nil {
		if errors.Is(err, expiry.ErrNotFound) {
			return Deleted{Key: k, Deleted: false}, nil
		}
		return nil, err
	}
	d := Deleted{Key: k, Deleted: true}
	r.publish(TopicDeleted, d)
	return d, nil
}

func (r *resolvers) publish(topic string, payload any) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(topic, payload); err != nil {
		logger.Warn("Failed to announce mutation", "topic", topic, "error", err)
	}
}
