package storage

import (
	"errors"
	"fmt"
	"time"
)

// Sent-message records expire after this long unless the user says otherwise
const defaultKeyTTL = 30 * 24 * time.Hour

// KVConfig contains settings for the send history store. An empty
// StorageDirPath disables the history.
type KVConfig struct {
	StorageDirPath string
	KeyTTLDuration time.Duration
}

// UnmarshalYAML parses the "history" section of a user-provided
// configuration.
func (kv *KVConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)
	if err != nil {
		return fmt.Errorf("can't parse the history config: %v", err)
	}

	kv.StorageDirPath = v["storageDir"]

	if t, ok := v["keyTTL"]; ok {
		d, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("can't parse the history key TTL as a duration: %v", err)
		}
		kv.KeyTTLDuration = d
	}

	return nil
}

// CheckAndSetDefaults validates kv and either returns a copy of kv with
// default settings applied or returns an error due to an invalid
// configuration
func (kv *KVConfig) CheckAndSetDefaults() (KVConfig, error) {
	c := *kv
	if c.KeyTTLDuration < 0 {
		return KVConfig{}, errors.New("the history key TTL can't be negative")
	}
	if c.KeyTTLDuration == 0 {
		c.KeyTTLDuration = defaultKeyTTL
	}
	return c, nil
}

// KeyValue exposes a common interface for performing CRUD operations on an
// underlying storage layer.
//
// Implentations need to include connection logic in code to initialize
// a Store.
type KeyValue interface {
	// Replace the value of an entry or create a new one if it doesn't exist
	Put(KVEntry) error
	// Return an entry given its key
	Read(key []byte) (KVEntry, error)
	// Cleanup performs routine deletion of old records. We assign
	// TTLs to KV pairs and delete them periodically.
	Cleanup() error
	// Drain/tear down the connection, or something analogous for
	// an embedded database
	Close() error
}

// KVEntry is what we'll write to and read from the KV store
type KVEntry struct {
	Key   []byte
	Value []byte
}

// Open returns a BadgerDB for conf, or a NoOpDB if conf doesn't name a
// storage directory.
func Open(conf *KVConfig) (KeyValue, error) {
	if conf.StorageDirPath == "" {
		return &NoOpDB{}, nil
	}
	return NewBadgerDB(conf)
}
