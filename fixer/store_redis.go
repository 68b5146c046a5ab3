package fixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
	"github.com/rs/zerolog"
)

// RedisOption tunes the Redis client options.
type RedisOption func(*redis.Options)

// WithRedisPassword sets the AUTH password.
func WithRedisPassword(pw string) RedisOption {
	return func(o *redis.Options) { o.Password = pw }
}

// WithRedisDB selects the logical database.
func WithRedisDB(db int) RedisOption {
	return func(o *redis.Options) { o.DB = db }
}

// RedisStore keeps layers in Redis: one hash per layer mapping FID to a
// GeoJSON feature, plus a key holding the JSON schema.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, prefix string, log zerolog.Logger, opts ...RedisOption) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if prefix == "" {
		prefix = "geomfix"
	}

	ro := &redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) featuresKey(layer string) string {
	return s.prefix + ":layer:" + layer
}

func (s *RedisStore) schemaKey(layer string) string {
	return s.prefix + ":layer:" + layer + ":schema"
}

// Open loads a layer and binds it to the store so commits are written back.
func (s *RedisStore) Open(ctx context.Context, name string) (*MemoryLayer, error) {
	var fields []Field
	raw, err := s.rdb.Get(ctx, s.schemaKey(name)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("redis layer %s: %w", name, ErrUnknownLayer)
	case err != nil:
		return nil, fmt.Errorf("redis GET schema %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", name, err)
	}

	entries, err := s.rdb.HGetAll(ctx, s.featuresKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", name, err)
	}

	types := make(map[string]FieldType, len(fields))
	for _, f := range fields {
		types[f.Name] = f.Type
	}
	feats := make([]*Feature, 0, len(entries))
	for key, val := range entries {
		fid, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis layer %s: bad feature key %q", name, key)
		}
		f, err := decodeStoredFeature([]byte(val), types)
		if err != nil {
			return nil, fmt.Errorf("redis layer %s feature %d: %w", name, fid, err)
		}
		f.FID = fid
		feats = append(feats, f)
	}
	sort.Slice(feats, func(i, j int) bool { return feats[i].FID < feats[j].FID })

	l := NewMemoryLayer(name, fields, feats)
	l.AddCommitHook(s.CommitHook())
	s.log.Debug().Str("layer", name).Int("features", len(feats)).Msg("layer loaded from redis")
	return l, nil
}

// Save replaces the stored layer with the content of l.
func (s *RedisStore) Save(ctx context.Context, l Layer) error {
	fields := l.Fields()
	schema, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	values := make(map[string]any)
	for _, f := range l.Features() {
		b, err := encodeStoredFeature(fields, f)
		if err != nil {
			return err
		}
		values[strconv.FormatInt(f.FID, 10)] = b
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.featuresKey(l.Name()))
		if len(values) > 0 {
			p.HSet(ctx, s.featuresKey(l.Name()), values)
		}
		p.Set(ctx, s.schemaKey(l.Name()), schema, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", l.Name(), err)
	}
	return nil
}

// Layers lists the layer names present in the store.
func (s *RedisStore) Layers(ctx context.Context) ([]string, error) {
	pattern := s.prefix + ":layer:*:schema"
	var names []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		name := key[len(s.prefix+":layer:") : len(key)-len(":schema")]
		names = append(names, name)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN %s: %w", pattern, err)
	}
	sort.Strings(names)
	return names, nil
}

// CommitHook writes a commit's delta in one MULTI/EXEC transaction.
func (s *RedisStore) CommitHook() CommitHook {
	return func(ctx context.Context, c *Commit) error {
		if c.Empty() {
			return nil
		}
		key := s.featuresKey(c.Layer)
		values := make(map[string]any)
		for _, group := range [][]*Feature{c.Changed, c.Added} {
			for _, f := range group {
				b, err := encodeStoredFeature(c.Fields, f)
				if err != nil {
					return err
				}
				values[strconv.FormatInt(f.FID, 10)] = b
			}
		}
		deleted := make([]string, len(c.Deleted))
		for i, f := range c.Deleted {
			deleted[i] = strconv.FormatInt(f.FID, 10)
		}

		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if len(deleted) > 0 {
				p.HDel(ctx, key, deleted...)
			}
			if len(values) > 0 {
				p.HSet(ctx, key, values)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis commit %s: %w", c.Layer, err)
		}
		s.log.Debug().
			Str("layer", c.Layer).
			Int("added", len(c.Added)).
			Int("changed", len(c.Changed)).
			Int("deleted", len(c.Deleted)).
			Msg("commit written to redis")
		return nil
	}
}

func encodeStoredFeature(fields []Field, f *Feature) ([]byte, error) {
	gf, err := encodeFeature(fields, f)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(gf)
	if err != nil {
		return nil, fmt.Errorf("encode feature %d: %w", f.FID, err)
	}
	return b, nil
}

func decodeStoredFeature(b []byte, types map[string]FieldType) (*Feature, error) {
	var gf GeoJSONFeature
	if err := json.Unmarshal(b, &gf); err != nil {
		return nil, err
	}
	props, _, err := decodeProperties(gf.Properties)
	if err != nil {
		return nil, err
	}
	f := &Feature{Attributes: make(map[string]any, len(props))}
	if gf.Geometry != nil {
		f.Geometry = gf.Geometry.Geometry()
	}
	for k, v := range props {
		f.Attributes[k] = convertValue(types[k], v)
	}
	return f, nil
}
