// Package counter buffers boost analytics increments in Redis and flushes
// them to the boosts table in batches.
package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Talentis/app/models"
)

const keyPrefix = "boost:counters:"

var events = []models.BoostEvent{
	models.BoostEventView,
	models.BoostEventClick,
	models.BoostEventApplication,
	models.BoostEventConversion,
}

// Store holds pending boost counters.
type Store struct {
	rdb *redis.Client
	db  *gorm.DB
}

func New(rdb *redis.Client, db *gorm.DB) *Store {
	return &Store{rdb: rdb, db: db}
}

func key(event models.BoostEvent) string {
	return keyPrefix + string(event)
}

// Add increments the pending counter of event for a boost.
func (s *Store) Add(ctx context.Context, boostID uint, event models.BoostEvent) error {
	if _, ok := event.Column(); !ok {
		return fmt.Errorf("unknown boost event %q", event)
	}
	field := strconv.FormatUint(uint64(boostID), 10)
	return s.rdb.HIncrBy(ctx, key(event), field, 1).Err()
}

// Flush drains every pending counter into the database and returns the
// number of (boost, event) pairs applied.
func (s *Store) Flush(ctx context.Context) (int, error) {
	total := 0
	for _, event := range events {
		column, _ := event.Column()
		n, err := s.flushHash(ctx, key(event), column)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// flushHash drains a Redis hash and applies its increments in one UPDATE.
// RENAME moves the hash away first so increments arriving meanwhile land in
// a fresh hash and are not lost.
func (s *Store) flushHash(ctx context.Context, redisKey, column string) (int, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := s.rdb.Rename(ctx, redisKey, tmpKey).Err(); err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return 0, nil
		}
		return 0, err
	}
	defer s.rdb.Del(ctx, tmpKey)

	data, err := s.rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return 0, err
	}

	type pair struct {
		id  uint64
		inc int64
	}
	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		id, perr := strconv.ParseUint(k, 10, 64)
		if perr != nil {
			continue
		}
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{id: id, inc: inc})
	}
	if len(pairs) == 0 {
		return 0, nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })

	// UPDATE boosts SET <column> = <column> + CASE id WHEN ? THEN ? ... END WHERE id IN (...)
	var b strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	b.WriteString("UPDATE boosts SET ")
	b.WriteString(column)
	b.WriteString(" = ")
	b.WriteString(column)
	b.WriteString(" + CASE id")
	for _, p := range pairs {
		b.WriteString(" WHEN ? THEN ?")
		args = append(args, p.id, p.inc)
	}
	b.WriteString(" ELSE 0 END WHERE id IN (")
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args = append(args, p.id)
	}
	b.WriteString(")")

	if err := s.db.WithContext(ctx).Exec(b.String(), args...).Error; err != nil {
		// Put the increments back for the next flush.
		for _, p := range pairs {
			s.rdb.HIncrBy(ctx, redisKey, strconv.FormatUint(p.id, 10), p.inc)
		}
		return 0, err
	}
	return len(pairs), nil
}
