package patients

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedDirectory is a Redis read-through cache in front of another Directory.
// Cache failures fall through to the underlying directory.
type CachedDirectory struct {
	next   Directory
	client redis.UniversalClient
	ttl    time.Duration
	log    *logrus.Entry
}

func NewCachedDirectory(next Directory, client redis.UniversalClient, ttl time.Duration, log *logrus.Entry) *CachedDirectory {
	return &CachedDirectory{next: next, client: client, ttl: ttl, log: log}
}

func cacheKey(id int64) string { return "patient:" + strconv.FormatInt(id, 10) }

func (c *CachedDirectory) Patient(ctx context.Context, id int64) (Patient, error) {
	raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var p Patient
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return p, nil
		}
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).Debug("patient cache read failed")
	}

	p, err := c.next.Patient(ctx, id)
	if err != nil {
		return Patient{}, err
	}
	if payload, jerr := json.Marshal(p); jerr == nil {
		if serr := c.client.Set(ctx, cacheKey(id), payload, c.ttl).Err(); serr != nil {
			c.log.WithError(serr).Debug("patient cache write failed")
		}
	}
	return p, nil
}
