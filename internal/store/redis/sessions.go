package redis

import (
    "context"
    "encoding/json"
    "strconv"

    "github.com/go-redis/redis/v8"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/pkg/errors"
)

// SessionStore implements store.SessionStore: the hot, ephemeral
// per-call session plus the account active-call-count set spec §6
// names (add_to_account_active_set / account_active_count). Single
// writer per call_uuid key is enforced upstream by the event handler's
// per-call_uuid serialization (spec §5), not by this store.
type SessionStore struct {
    client *Client
}

func NewSessionStore(client *Client) *SessionStore {
    return &SessionStore{client: client}
}

func sessionKey(callUUID string) string {
    return "session:" + callUUID
}

func accountActiveSetKey(accountID int64) string {
    return "account_active:" + strconv.FormatInt(accountID, 10)
}

func (s *SessionStore) PutSession(ctx context.Context, session *models.CallSession) error {
    payload, err := json.Marshal(session)
    if err != nil {
        return errors.Wrap(err, errors.ErrInternal, "failed to marshal session")
    }
    key := s.client.key(sessionKey(session.CallUUID))
    if err := s.client.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
        return errors.Wrap(err, errors.ErrRedis, "failed to put session")
    }
    return nil
}

func (s *SessionStore) GetSession(ctx context.Context, callUUID string) (*models.CallSession, error) {
    key := s.client.key(sessionKey(callUUID))
    payload, err := s.client.rdb.Get(ctx, key).Bytes()
    if err == redis.Nil {
        return nil, errors.New(errors.ErrNotFound, "session not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrRedis, "failed to get session")
    }
    var session models.CallSession
    if err := json.Unmarshal(payload, &session); err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to unmarshal session")
    }
    return &session, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, callUUID string) error {
    key := s.client.key(sessionKey(callUUID))
    if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
        return errors.Wrap(err, errors.ErrRedis, "failed to delete session")
    }
    return nil
}

func (s *SessionStore) AddToAccountActiveSet(ctx context.Context, accountID int64, callUUID string) error {
    key := s.client.key(accountActiveSetKey(accountID))
    if err := s.client.rdb.SAdd(ctx, key, callUUID).Err(); err != nil {
        return errors.Wrap(err, errors.ErrRedis, "failed to add to account active set")
    }
    return nil
}

func (s *SessionStore) RemoveFromAccountActiveSet(ctx context.Context, accountID int64, callUUID string) error {
    key := s.client.key(accountActiveSetKey(accountID))
    if err := s.client.rdb.SRem(ctx, key, callUUID).Err(); err != nil {
        return errors.Wrap(err, errors.ErrRedis, "failed to remove from account active set")
    }
    return nil
}

func (s *SessionStore) AccountActiveCount(ctx context.Context, accountID int64) (int, error) {
    key := s.client.key(accountActiveSetKey(accountID))
    count, err := s.client.rdb.SCard(ctx, key).Result()
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrRedis, "failed to count account active set")
    }
    return int(count), nil
}
