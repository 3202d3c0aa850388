package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"time"

	sandbox "github.com/inoerp/js-sandbox"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

// Global names of the KV functions.
const (
	KVGetName    = "kvGet"
	KVSetName    = "kvSet"
	KVDeleteName = "kvDelete"
)

const kvPrefix = "jsbox:kv:"

// MaxKVValueSize bounds the encoded size of one stored value.
const MaxKVValueSize = 1 << 20

// KV is a key-value store for scripts. Values are stored as JSON, so any
// JSON-compatible script value round-trips.
type KV struct {
	db *buntdb.DB
}

// OpenKV opens the buntdb file at path, or an in-memory store for
// ":memory:".
func OpenKV(path string) (*KV, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening kv store %q: %w", path, err)
	}
	return &KV{db: db}, nil
}

// Close closes the store.
func (k *KV) Close() error {
	return k.db.Close()
}

// Get returns the JSON stored under key and whether it exists.
func (k *KV) Get(key string) ([]byte, bool, error) {
	var val string
	err := k.db.View(func(tx *buntdb.Tx) error {
		var err error
		val, err = tx.Get(kvPrefix + key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// Set stores value under key. A positive ttl makes the entry expire.
func (k *KV) Set(key string, value []byte, ttl time.Duration) error {
	if len(value) > MaxKVValueSize {
		return fmt.Errorf("kv value for %q exceeds %d bytes", key, MaxKVValueSize)
	}
	var opts *buntdb.SetOptions
	if ttl > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
	}
	return k.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(kvPrefix+key, string(value), opts)
		return err
	})
}

// Delete removes key and reports whether it existed.
func (k *KV) Delete(key string) (bool, error) {
	err := k.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(kvPrefix + key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Functions returns kvGet(key), kvSet(key, value, ttlMs?) and
// kvDelete(key). kvGet returns undefined for missing keys.
func (k *KV) Functions() []sandbox.NativeFunction {
	return []sandbox.NativeFunction{
		sandbox.NewNativeFunction(KVGetName, func(_ context.Context, args sandbox.Args) (any, error) {
			key, err := kvKey(args)
			if err != nil {
				return nil, err
			}
			val, ok, err := k.Get(key)
			if err != nil || !ok {
				return nil, err
			}
			return jsoniter.RawMessage(val), nil
		}),
		sandbox.NewNativeFunction(KVSetName, func(_ context.Context, args sandbox.Args) (any, error) {
			key, err := kvKey(args)
			if err != nil {
				return nil, err
			}
			var ttlMs int64
			if args.Len() > 2 {
				if err := args.Decode(2, &ttlMs); err != nil {
					return nil, err
				}
			}
			return nil, k.Set(key, args.Raw(1), time.Duration(ttlMs)*time.Millisecond)
		}),
		sandbox.NewNativeFunction(KVDeleteName, func(_ context.Context, args sandbox.Args) (any, error) {
			key, err := kvKey(args)
			if err != nil {
				return nil, err
			}
			return k.Delete(key)
		}),
	}
}

func kvKey(args sandbox.Args) (string, error) {
	var key string
	if err := args.Decode(0, &key); err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("key required")
	}
	return key, nil
}
