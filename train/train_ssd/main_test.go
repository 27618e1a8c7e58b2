package main

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unixpickle/dist-ssd/config"
	"github.com/unixpickle/dist-ssd/dist"
	"github.com/unixpickle/dist-ssd/train"
)

func TestRunRankClosesGroupOnError(t *testing.T) {
	const addr = "127.0.0.1:11319"
	cfg := config.Default()
	cfg.Dataset = config.Dataset{
		Train:      []string{"synthetic:4:1"},
		Validation: []string{"synthetic:4:2"},
	}
	opts := train.Options{Name: "fail", Config: cfg, Net: &config.NetConfig{NetworkChannels: []int{4}}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := range errs {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			dctx := dist.Context{Rank: rank, WorldSize: 2, Addr: addr}
			_, errs[rank] = runRank(ctx, dctx, nil, opts)
		}()
	}
	wg.Wait()

	for rank, err := range errs {
		if err == nil || !strings.Contains(err.Error(), "world size 2") {
			t.Errorf("rank %d: unexpected error %v", rank, err)
		}
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relay still holds %s: %v", addr, err)
	}
	lis.Close()
}
