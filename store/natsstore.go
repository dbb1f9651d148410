package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/natsclient"
)

// DefaultBucket is the JetStream KV bucket holding all backend state.
const DefaultBucket = "bluse_state"

// NATSStore implements Store on a NATS JetStream KV bucket (durable keys)
// and core NATS pub/sub (alert channels). Logical keys use the colon
// schema; the adapter maps them onto the KV key charset transparently.
type NATSStore struct {
	client *natsclient.Client
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewNATSStore creates the store on an established NATS client, creating
// the backing KV bucket if needed.
func NewNATSStore(ctx context.Context, client *natsclient.Client, bucket string, logger *slog.Logger) (*NATSStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = slog.Default()
	}

	kvBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "NewNATSStore", "create KV bucket")
	}

	return &NATSStore{
		client: client,
		kv:     client.NewKVStore(kvBucket),
		logger: logger,
	}, nil
}

// encodeKey maps a logical colon-separated key onto the KV key charset.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// decodeKey restores a logical key from its KV form.
func decodeKey(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}

// Get returns the value for key.
func (ns *NATSStore) Get(ctx context.Context, key string) (string, error) {
	entry, err := ns.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return "", errors.ErrKeyNotFound
		}
		return "", errors.WrapTransient(err, "NATSStore", "Get", key)
	}
	return string(entry.Value), nil
}

// Set creates or replaces the value for key.
func (ns *NATSStore) Set(ctx context.Context, key, value string) error {
	if _, err := ns.kv.Put(ctx, encodeKey(key), []byte(value)); err != nil {
		return errors.WrapTransient(err, "NATSStore", "Set", key)
	}
	return nil
}

// GetList returns the JSON-encoded list stored at key.
func (ns *NATSStore) GetList(ctx context.Context, key string) ([]string, error) {
	raw, err := ns.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, errors.WrapInvalid(err, "NATSStore", "GetList", key)
	}
	return values, nil
}

// SetList replaces the list stored at key.
func (ns *NATSStore) SetList(ctx context.Context, key string, values []string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return errors.WrapInvalid(err, "NATSStore", "SetList", key)
	}
	return ns.Set(ctx, key, string(data))
}

// HSet sets one field of the hash at key using CAS so concurrent field
// writers never lose updates.
func (ns *NATSStore) HSet(ctx context.Context, key, field, value string) error {
	err := ns.kv.UpdateWithRetry(ctx, encodeKey(key), func(current []byte) ([]byte, error) {
		hash := map[string]string{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &hash); err != nil {
				return nil, err
			}
		}
		hash[field] = value
		return json.Marshal(hash)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSStore", "HSet", key)
	}
	return nil
}

// HGetAll returns all fields of the hash at key.
func (ns *NATSStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	raw, err := ns.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	hash := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &hash); err != nil {
		return nil, errors.WrapInvalid(err, "NATSStore", "HGetAll", key)
	}
	return hash, nil
}

// Delete removes key. Absent keys are ignored.
func (ns *NATSStore) Delete(ctx context.Context, key string) error {
	err := ns.kv.Delete(ctx, encodeKey(key))
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "NATSStore", "Delete", key)
	}
	return nil
}

// Keys returns all logical keys with the given prefix.
func (ns *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := ns.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "Keys", prefix)
	}
	var matched []string
	for _, k := range all {
		logical := decodeKey(k)
		if strings.HasPrefix(logical, prefix) {
			matched = append(matched, logical)
		}
	}
	return matched, nil
}

// Publish sends message on channel. Channels map directly onto NATS
// subjects; gateway channel names contain no subject separators and pass
// through unchanged.
func (ns *NATSStore) Publish(ctx context.Context, channel, message string) error {
	if err := ns.client.Publish(ctx, channel, []byte(message)); err != nil {
		return errors.WrapTransient(err, "NATSStore", "Publish", channel)
	}
	return nil
}

// Subscribe delivers messages published on channel until ctx is done.
// Slow consumers drop messages rather than block the bus; all derivable
// state lives in the store, so a dropped alert is recoverable by re-reading
// keys.
func (ns *NATSStore) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	out := make(chan Message, 256)

	err := ns.client.Subscribe(ctx, channel, func(msgCtx context.Context, data []byte) {
		msg := Message{Channel: channel, Data: string(data)}
		select {
		case out <- msg:
		case <-msgCtx.Done():
		default:
			ns.logger.Warn("dropping pub/sub message for slow consumer",
				"channel", channel, "message", msg.Data)
		}
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "Subscribe", channel)
	}

	return out, nil
}

var _ Store = (*NATSStore)(nil)
