package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, CreateConsumerGroup(ctx, client, "pv:readings:stream", "g1"))
	// 第二次创建返回 BUSYGROUP，应被忽略
	require.NoError(t, CreateConsumerGroup(ctx, client, "pv:readings:stream", "g1"))
}

func TestPublishAndReadFromStream(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	stream := "pv:readings:stream"

	require.NoError(t, CreateConsumerGroup(ctx, client, stream, "g1"))

	_, err := PublishJSONToStream(ctx, client, stream, map[string]interface{}{"device_id": "pv-1"})
	require.NoError(t, err)
	_, err = PublishToStream(ctx, client, stream, map[string]interface{}{"data": "{}", "n": 3, "ok": true})
	require.NoError(t, err)

	msgs, err := ReadFromStream(ctx, client, ReadArgs{Stream: stream, Group: "g1", Consumer: "c1", Count: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"device_id":"pv-1"}`, msgs[0].Values["data"])
	assert.Equal(t, "3", msgs[1].Values["n"])
	assert.Equal(t, "true", msgs[1].Values["ok"])

	// 未确认的消息仍在 pending 列表中
	pending, err := ReadFromStream(ctx, client, ReadArgs{Stream: stream, Group: "g1", Consumer: "c1", Count: 10, StartID: "0"})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, AckMessages(ctx, client, stream, "g1", msgs[0].ID, msgs[1].ID))

	pending, err = ReadFromStream(ctx, client, ReadArgs{Stream: stream, Group: "g1", Consumer: "c1", Count: 10, StartID: "0"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
