package extract_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/veridoc/veridoc/internal/extract"
	"github.com/veridoc/veridoc/internal/models"
)

func TestRedisCacheRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	defer rdb.Close()

	cache := extract.NewRedisCache(rdb, time.Minute)
	pages := []models.ExtractedPage{
		{Number: 1, Text: "first page", Offset: 0},
		{Number: 2, Text: "second page", Offset: 11},
	}

	if _, ok, err := cache.Get(ctx, "doc-1", extract.Version); err != nil || ok {
		t.Fatalf("empty cache: ok=%t err=%v", ok, err)
	}
	if err := cache.Set(ctx, "doc-1", extract.Version, pages); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := cache.Get(ctx, "doc-1", extract.Version)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, pages) {
		t.Fatalf("pages did not round-trip: %+v", got)
	}
	if _, ok, _ := cache.Get(ctx, "doc-1", "v0"); ok {
		t.Fatalf("different extractor version must miss")
	}
}
