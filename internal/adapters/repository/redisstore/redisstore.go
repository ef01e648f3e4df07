// Package redisstore keeps the scan log and participant ledgers in Redis.
// Every mutation is a single command or Lua script, so it is atomic on the
// server. Per-participant keys share a hash tag and live in one slot; the
// append script also writes the shared fastest-lap zset, so the store
// targets a single node rather than a cluster.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/laufevent/internal/adapters/repository"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	"github.com/okian/laufevent/pkg/metrics"
)

const defaultPrefix = "lauf"

// appendScript adds a scan, returns its sequence and both neighbours, and
// lowers the participant's fastest lap with the laps the scan bounds.
// KEYS[1] = scans zset, KEYS[2] = per-participant sequence, KEYS[3] = fastest zset
// ARGV[1] = score (unix micros), ARGV[2] = zero-padded micros, ARGV[3] = scan id,
// ARGV[4] = uid
var appendScript = redis.NewScript(`
local seq = redis.call("INCR", KEYS[2])
local member = ARGV[2] .. ":" .. string.format("%020d", seq) .. ":" .. ARGV[3]
redis.call("ZADD", KEYS[1], ARGV[1], member)
local rank = redis.call("ZRANK", KEYS[1], member)
local prev = ""
if rank > 0 then
    prev = redis.call("ZRANGE", KEYS[1], rank - 1, rank - 1)[1] or ""
end
local nxt = redis.call("ZRANGE", KEYS[1], rank + 1, rank + 1)[1] or ""
local at = tonumber(ARGV[1])
local best = nil
if prev ~= "" then
    best = at - tonumber(string.sub(prev, 1, 20))
end
if nxt ~= "" then
    local lap = tonumber(string.sub(nxt, 1, 20)) - at
    if best == nil or lap < best then
        best = lap
    end
end
local improved = 0
if best ~= nil and best >= 0 then
    improved = redis.call("ZADD", KEYS[3], "LT", "CH", best, ARGV[4])
end
local fastest = redis.call("ZSCORE", KEYS[3], ARGV[4]) or ""
return {member, prev, nxt, tostring(improved), fastest}
`)

// provisionScript creates the gift hash and donation counter if absent.
// KEYS[1] = gifts hash, KEYS[2] = donation counter
var provisionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1], "e1", "0", "e2", "0", "e3", "0", "c1", "0", "c2", "0", "c3", "0")
end
redis.call("SETNX", KEYS[2], "0")
return 1
`)

// markScript sets one eligibility field. Returns 0 when the row is missing.
// KEYS[1] = gifts hash, ARGV[1] = field
var markScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[1], "1")
return 1
`)

// collectScript flips every eligible, uncollected slot. Per slot it returns
// 0 not eligible, 1 already collected, 2 just collected; {-1} when missing.
// KEYS[1] = gifts hash
var collectScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1}
end
local out = {}
for i = 1, 3 do
    local e = redis.call("HGET", KEYS[1], "e" .. i)
    local c = redis.call("HGET", KEYS[1], "c" .. i)
    if e ~= "1" then
        out[i] = 0
    elseif c == "1" then
        out[i] = 1
    else
        redis.call("HSET", KEYS[1], "c" .. i, "1")
        out[i] = 2
    end
end
return out
`)

// donateScript adds to an existing counter. Returns {status, total} where
// status is 0 missing, 1 added, 2 the total would overflow.
// KEYS[1] = donation counter, ARGV[1] = delta cents
var donateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {0, 0}
end
local total = redis.pcall("INCRBY", KEYS[1], ARGV[1])
if type(total) == "table" and total.err then
    return {2, 0}
end
return {1, total}
`)

// Options configures the client created by Open.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	Prefix      string
}

// Store is a repository.Store over a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	log    logger.Logger
}

var _ repository.Store = (*Store)(nil)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPrefix namespaces every key.
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open dials Redis and pings it.
func Open(ctx context.Context, o Options, opts ...Option) (*Store, error) {
	if strings.TrimSpace(o.Addr) == "" {
		return nil, fmt.Errorf("redisstore: addr is required")
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		DialTimeout: o.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, o.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if o.Prefix != "" {
		opts = append(opts, WithPrefix(o.Prefix))
	}
	s := New(client, opts...)
	s.log.Info(ctx, "redis store ready", logger.String("addr", o.Addr), logger.Int("db", o.DB))
	return s, nil
}

func (s *Store) key(uid model.UID, kind string) string {
	return fmt.Sprintf("%s:{%d}:%s", s.prefix, uid, kind)
}

func (s *Store) fastestKey() string { return s.prefix + ":fastest" }

func (s *Store) fail(ctx context.Context, op string, err error) error {
	kind := "command"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	}
	metrics.RecordErrorByComponent("redisstore", kind)
	s.log.Error(ctx, "redis call failed", logger.String("op", op), logger.Error(err))
	return fmt.Errorf("%s: %w: %w", op, model.ErrStore, err)
}

// parseMember decodes "<micros>:<seq>:<scan id>".
func parseMember(uid model.UID, member string) (model.ScanEvent, error) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return model.ScanEvent{}, fmt.Errorf("malformed scan member %q: %w", member, model.ErrInvalidState)
	}
	us, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return model.ScanEvent{}, fmt.Errorf("scan member %q: %w", member, model.ErrInvalidState)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return model.ScanEvent{}, fmt.Errorf("scan member %q: %w", member, model.ErrInvalidState)
	}
	return model.ScanEvent{ID: parts[2], UID: uid, Seq: seq, At: time.UnixMicro(us).UTC()}, nil
}

func (s *Store) AppendScan(ctx context.Context, ev model.ScanEvent) (model.AppendResult, error) {
	ev.At = model.Normalize(ev.At)
	us := ev.At.UnixMicro()
	member := strconv.FormatInt(int64(ev.UID), 10)
	keys := []string{s.key(ev.UID, "scans"), s.key(ev.UID, "seq"), s.fastestKey()}
	vals, err := appendScript.Run(ctx, s.client, keys, us, fmt.Sprintf("%020d", us), ev.ID, member).StringSlice()
	if err != nil {
		return model.AppendResult{}, s.fail(ctx, "append_scan", err)
	}
	return parseAppendReply(ev.UID, vals)
}

// parseAppendReply decodes {member, prev, next, improved, fastest micros}.
func parseAppendReply(uid model.UID, vals []string) (model.AppendResult, error) {
	if len(vals) != 5 {
		return model.AppendResult{}, fmt.Errorf("append_scan: unexpected reply %v: %w", vals, model.ErrStore)
	}
	var (
		res model.AppendResult
		err error
	)
	if res.Event, err = parseMember(uid, vals[0]); err != nil {
		return model.AppendResult{}, err
	}
	for i, dst := range []**model.ScanEvent{&res.Prev, &res.Next} {
		if vals[i+1] == "" {
			continue
		}
		n, err := parseMember(uid, vals[i+1])
		if err != nil {
			return model.AppendResult{}, err
		}
		*dst = &n
	}
	if _, _, err := res.BestLap(); err != nil {
		return model.AppendResult{}, err
	}
	res.Improved = vals[3] == "1"
	if vals[4] != "" {
		us, err := strconv.ParseFloat(vals[4], 64)
		if err != nil {
			return model.AppendResult{}, fmt.Errorf("fastest lap score %q: %w", vals[4], model.ErrInvalidState)
		}
		res.Fastest, res.HasFastest = time.Duration(int64(us))*time.Microsecond, true
	}
	return res, nil
}

func (s *Store) LastNScans(ctx context.Context, uid model.UID, n int) (iter.Seq[model.ScanEvent], error) {
	if n <= 0 {
		return slices.Values([]model.ScanEvent(nil)), nil
	}
	members, err := s.client.ZRevRange(ctx, s.key(uid, "scans"), 0, int64(n-1)).Result()
	if err != nil {
		return nil, s.fail(ctx, "last_n_scans", err)
	}
	out := make([]model.ScanEvent, 0, len(members))
	for _, m := range members {
		ev, err := parseMember(uid, m)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return slices.Values(out), nil
}

func (s *Store) RoundCount(ctx context.Context, uid model.UID) (int, error) {
	n, err := s.client.ZCard(ctx, s.key(uid, "scans")).Result()
	if err != nil {
		return 0, s.fail(ctx, "round_count", err)
	}
	return int(n), nil
}

func (s *Store) FastestLap(ctx context.Context, uid model.UID) (time.Duration, bool, error) {
	score, err := s.client.ZScore(ctx, s.fastestKey(), strconv.FormatInt(int64(uid), 10)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.fail(ctx, "fastest_lap", err)
	}
	return time.Duration(int64(score)) * time.Microsecond, true, nil
}

// LowerFastestLap relies on ZADD LT CH, which only ever lowers a score and
// counts the element when it was added or changed.
func (s *Store) LowerFastestLap(ctx context.Context, uid model.UID, lap time.Duration) (bool, error) {
	n, err := s.client.ZAddArgs(ctx, s.fastestKey(), redis.ZAddArgs{
		LT: true,
		Ch: true,
		Members: []redis.Z{{
			Score:  float64(lap.Microseconds()),
			Member: strconv.FormatInt(int64(uid), 10),
		}},
	}).Result()
	if err != nil {
		return false, s.fail(ctx, "lower_fastest_lap", err)
	}
	return n > 0, nil
}

func (s *Store) ListFastestLaps(ctx context.Context) ([]model.Standing, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.fastestKey(), 0, -1).Result()
	if err != nil {
		return nil, s.fail(ctx, "list_fastest_laps", err)
	}
	out := make([]model.Standing, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		uid, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("fastest lap member %q: %w", member, model.ErrInvalidState)
		}
		out = append(out, model.Standing{UID: model.UID(uid), FastestLap: time.Duration(int64(z.Score)) * time.Microsecond})
	}
	return out, nil
}

func (s *Store) Provision(ctx context.Context, uid model.UID) error {
	keys := []string{s.key(uid, "gifts"), s.key(uid, "donation")}
	if err := provisionScript.Run(ctx, s.client, keys).Err(); err != nil {
		return s.fail(ctx, "provision", err)
	}
	return nil
}

func (s *Store) MarkEligible(ctx context.Context, uid model.UID, slot int) error {
	if err := gifts.ValidSlot(slot); err != nil {
		return err
	}
	ok, err := markScript.Run(ctx, s.client, []string{s.key(uid, "gifts")}, "e"+strconv.Itoa(slot)).Int()
	if err != nil {
		return s.fail(ctx, "mark_eligible", err)
	}
	if ok == 0 {
		return fmt.Errorf("gifts for %d: %w", uid, model.ErrNotFound)
	}
	return nil
}

func (s *Store) CollectEligible(ctx context.Context, uid model.UID) (gifts.Collection, error) {
	vals, err := collectScript.Run(ctx, s.client, []string{s.key(uid, "gifts")}).Int64Slice()
	if err != nil {
		return gifts.Collection{}, s.fail(ctx, "collect_gifts", err)
	}
	if len(vals) == 1 && vals[0] == -1 {
		return gifts.Collection{}, fmt.Errorf("gifts for %d: %w", uid, model.ErrNotFound)
	}
	if len(vals) != gifts.Slots {
		return gifts.Collection{}, fmt.Errorf("collect_gifts: unexpected reply %v: %w", vals, model.ErrStore)
	}
	var c gifts.Collection
	for i, v := range vals {
		c[i] = gifts.Outcome(v)
	}
	return c, nil
}

func (s *Store) GiftState(ctx context.Context, uid model.UID) (gifts.State, error) {
	h, err := s.client.HGetAll(ctx, s.key(uid, "gifts")).Result()
	if err != nil {
		return gifts.State{}, s.fail(ctx, "gift_state", err)
	}
	if len(h) == 0 {
		return gifts.State{}, fmt.Errorf("gifts for %d: %w", uid, model.ErrNotFound)
	}
	var st gifts.State
	for i := range gifts.Slots {
		n := strconv.Itoa(i + 1)
		st.Eligible[i] = h["e"+n] == "1"
		st.Collected[i] = h["c"+n] == "1"
	}
	return st, nil
}

func (s *Store) AddDonation(ctx context.Context, uid model.UID, delta donations.Cents) (donations.Receipt, error) {
	vals, err := donateScript.Run(ctx, s.client, []string{s.key(uid, "donation")}, int64(delta)).Int64Slice()
	if err != nil {
		return donations.Receipt{}, s.fail(ctx, "add_donation", err)
	}
	if len(vals) != 2 || vals[0] == 0 {
		return donations.Receipt{}, fmt.Errorf("donations for %d: %w", uid, model.ErrNotFound)
	}
	if vals[0] == 2 {
		return donations.Receipt{}, fmt.Errorf("donations for %d: adding %s overflows the total: %w", uid, delta, model.ErrInvalidArgument)
	}
	total := donations.Cents(vals[1])
	return donations.Receipt{UID: uid, Previous: total - delta, Delta: delta, New: total}, nil
}

func (s *Store) Donation(ctx context.Context, uid model.UID) (donations.Cents, error) {
	v, err := s.client.Get(ctx, s.key(uid, "donation")).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("donations for %d: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return 0, s.fail(ctx, "donation", err)
	}
	return donations.Cents(v), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail(ctx, "ping", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
