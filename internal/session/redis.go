package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: 100,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

var bindScript = redis.NewScript(`
local prev = redis.call('GET', KEYS[1])
if prev and prev ~= ARGV[2] then
  redis.call('SREM', ARGV[4] .. prev, ARGV[1])
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
if prev and prev ~= ARGV[2] then
  return prev
end
return ''
`)

var unbindScript = redis.NewScript(`
local user = redis.call('GET', KEYS[1])
if not user then
  return false
end
redis.call('DEL', KEYS[1])
redis.call('SREM', ARGV[2] .. user, ARGV[1])
return user
`)

var touchScript = redis.NewScript(`
local user = redis.call('GET', KEYS[1])
if not user then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('PEXPIRE', ARGV[2] .. user, ARGV[1])
return 1
`)

var offlineScript = redis.NewScript(`
local conns = redis.call('SMEMBERS', KEYS[1])
local live = 0
for _, c in ipairs(conns) do
  if redis.call('EXISTS', ARGV[2] .. c) == 1 then
    live = live + 1
  else
    redis.call('SREM', KEYS[1], c)
  end
end
if live > 0 then
  return 0
end
return redis.call('SREM', KEYS[2], ARGV[1])
`)

var removeMemberScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return 1
`)

var membersScript = redis.NewScript(`
local entries = redis.call('HGETALL', KEYS[1])
local users = {}
for i = 1, #entries, 2 do
  local conn, user = entries[i], entries[i + 1]
  if redis.call('EXISTS', ARGV[1] .. conn) == 1 then
    table.insert(users, user)
  else
    redis.call('HDEL', KEYS[1], conn)
  end
end
if #users == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return users
`)

var pruneRoomsScript = redis.NewScript(`
local rooms = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, room in ipairs(rooms) do
  local key = ARGV[1] .. room
  local conns = redis.call('HKEYS', key)
  for _, conn in ipairs(conns) do
    if redis.call('EXISTS', ARGV[2] .. conn) == 0 then
      redis.call('HDEL', key, conn)
      removed = removed + 1
    end
  end
  if redis.call('HLEN', key) == 0 then
    redis.call('SREM', KEYS[1], room)
  end
end
return removed
`)

// RedisStore is the Backend used in clustered deployments. Its scripts build related key
// names from prefixes at run time, so every relay must share a single Redis keyspace: a
// standalone server or a Sentinel-managed primary. Redis Cluster is not supported.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an established client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Backend = (*RedisStore)(nil)

func (s *RedisStore) Bind(ctx context.Context, connID, userID string, ttl time.Duration) (string, error) {
	prev, err := bindScript.Run(ctx, s.client,
		[]string{sessionKey(connID), userSessionsKey(userID)},
		connID, userID, ttl.Milliseconds(), userSessionsKeyPrefix,
	).Text()
	if err != nil {
		return "", fmt.Errorf("bind session: %w", err)
	}
	return prev, nil
}

func (s *RedisStore) Resolve(ctx context.Context, connID string) (string, error) {
	userID, err := s.client.Get(ctx, sessionKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return userID, nil
}

func (s *RedisStore) Unbind(ctx context.Context, connID string) (string, error) {
	userID, err := unbindScript.Run(ctx, s.client, []string{sessionKey(connID)}, connID, userSessionsKeyPrefix).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("unbind session: %w", err)
	}
	return userID, nil
}

func (s *RedisStore) ConnectionsOf(ctx context.Context, userID string) ([]string, error) {
	conns, err := s.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(conns)
	return conns, nil
}

func (s *RedisStore) Touch(ctx context.Context, connID string, ttl time.Duration) error {
	ok, err := touchScript.Run(ctx, s.client, []string{sessionKey(connID)}, ttl.Milliseconds(), userSessionsKeyPrefix).Int()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) AddOnline(ctx context.Context, userID string) (bool, error) {
	added, err := s.client.SAdd(ctx, onlineUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("mark online: %w", err)
	}
	return added == 1, nil
}

func (s *RedisStore) RemoveOnlineIfNoSessions(ctx context.Context, userID string) (bool, error) {
	removed, err := offlineScript.Run(ctx, s.client,
		[]string{userSessionsKey(userID), onlineUsersKey},
		userID, sessionKeyPrefix,
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark offline: %w", err)
	}
	return removed == 1, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, onlineUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("check online: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) AddMember(ctx context.Context, roomID, connID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomMembersKey(roomID), connID, userID)
		pipe.SAdd(ctx, activeRoomsKey, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add room member: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomID, connID string) error {
	err := removeMemberScript.Run(ctx, s.client, []string{roomMembersKey(roomID), activeRoomsKey}, connID, roomID).Err()
	if err != nil {
		return fmt.Errorf("remove room member: %w", err)
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, roomID string) ([]string, error) {
	users, err := membersScript.Run(ctx, s.client,
		[]string{roomMembersKey(roomID), activeRoomsKey},
		sessionKeyPrefix, roomID,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	return distinctSorted(users), nil
}

func (s *RedisStore) PruneRooms(ctx context.Context) (int, error) {
	removed, err := pruneRoomsScript.Run(ctx, s.client, []string{activeRoomsKey}, roomMembersKeyPrefix, sessionKeyPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("prune rooms: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func distinctSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
