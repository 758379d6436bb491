package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGroupMembershipStore keeps user->groups in Redis sets (key:
// groupmem:{userID}) so membership written by an external identity
// system is visible to every engine instance.
type RedisGroupMembershipStore struct {
	client *redis.Client
	keyFmt string
}

func NewRedisGroupMembershipStore(client *redis.Client) *RedisGroupMembershipStore {
	return &RedisGroupMembershipStore{client: client, keyFmt: "groupmem:%s"}
}

func (r *RedisGroupMembershipStore) key(userID string) string {
	return fmt.Sprintf(r.keyFmt, userID)
}

func (r *RedisGroupMembershipStore) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	return r.client.SAdd(ctx, r.key(userID), groupID).Err()
}

func (r *RedisGroupMembershipStore) RemoveUserFromGroup(ctx context.Context, userID, groupID string) (bool, error) {
	n, err := r.client.SRem(ctx, r.key(userID), groupID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisGroupMembershipStore) ListUserGroups(ctx context.Context, userID string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(userID)).Result()
}
