package query_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"aeroscraper/internal/engine"
	"aeroscraper/internal/fees"
	"aeroscraper/internal/oracle"
	"aeroscraper/internal/query"
	"aeroscraper/internal/state"
)

func newService(t *testing.T) (*query.Service, *engine.Engine) {
	t.Helper()
	cache := oracle.NewCache(time.Hour)
	cache.SetClock(func() time.Time { return time.Unix(1000, 0) })
	if err := cache.Put(oracle.Price{Denom: "uatom", Value: 1, Expo: 0, PublishTime: 1000}, 1); err != nil {
		t.Fatal(err)
	}

	router := fees.NewRouter("stability-pool", "treasury-a", "treasury-b")
	eng, err := engine.New("admin", state.DefaultParams(), cache, router, zerolog.Nop(), engine.Options{
		Clock: func() time.Time { return time.Unix(1000, 0) },
	})
	if err != nil {
		t.Fatal(err)
	}
	return query.NewService(eng, nil), eng
}

func TestGetTrove(t *testing.T) {
	svc, eng := newService(t)
	if _, err := eng.OpenTrove("alice", map[string]uint64{"uatom": 1500}, 1000, "", ""); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.GetTrove("alice")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Owner != "alice" || resp.Debt != 1005 || resp.Collateral["uatom"] != 1500 {
		t.Errorf("resp = %+v, want alice / 1005 / uatom 1500", resp)
	}
	// 1500 / 1005 as a wad decimal string.
	if resp.ICR == "" || resp.ICR[0] != '1' {
		t.Errorf("ICR = %q, want a wad near 1.49e18", resp.ICR)
	}
	if resp.AsOfSequence != 1 {
		t.Errorf("AsOfSequence = %d, want 1", resp.AsOfSequence)
	}

	if _, err := svc.GetTrove("nosuch"); !errors.Is(err, state.ErrTroveNotFound) {
		t.Errorf("got %v, want ErrTroveNotFound", err)
	}
}

func TestGetSurplusEmpty(t *testing.T) {
	svc, _ := newService(t)
	resp := svc.GetSurplus("alice")
	if len(resp.Surplus) != 0 {
		t.Errorf("Surplus = %v, want empty", resp.Surplus)
	}
}

func TestGetDeposit(t *testing.T) {
	svc, eng := newService(t)
	if err := eng.ProvideStability("whale", 500); err != nil {
		t.Fatal(err)
	}

	resp := svc.GetDeposit("whale", []string{"uatom"})
	if resp.CompoundedStake != 500 {
		t.Errorf("CompoundedStake = %d, want 500", resp.CompoundedStake)
	}
	// No liquidations yet: zero gains are omitted.
	if len(resp.Gains) != 0 {
		t.Errorf("Gains = %v, want empty", resp.Gains)
	}
}

func TestGetPoolAndIndex(t *testing.T) {
	svc, eng := newService(t)
	if _, err := eng.OpenTrove("alice", map[string]uint64{"uatom": 1500}, 1000, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := eng.ProvideStability("whale", 500); err != nil {
		t.Fatal(err)
	}

	pool := svc.GetPool()
	if pool.TotalStake != 500 || pool.Epoch != 0 || pool.Scale != 0 {
		t.Errorf("pool = %+v, want stake 500 epoch 0 scale 0", pool)
	}
	if pool.P != "1000000000000000000" {
		t.Errorf("P = %q, want the wad unit", pool.P)
	}

	idx := svc.GetIndex()
	if idx.Head != "alice" || idx.Tail != "alice" || idx.Size != 1 {
		t.Errorf("index = %+v, want alice/alice/1", idx)
	}
	if idx.AsOfSequence != 2 {
		t.Errorf("AsOfSequence = %d, want 2", idx.AsOfSequence)
	}
}

func TestGetParams(t *testing.T) {
	svc, _ := newService(t)
	resp := svc.GetParams()
	if resp.Params != state.DefaultParams() {
		t.Errorf("params = %+v, want defaults", resp.Params)
	}
}

func TestGetLiquidatable(t *testing.T) {
	svc, eng := newService(t)
	if _, err := eng.OpenTrove("alice", map[string]uint64{"uatom": 1500}, 1000, "", ""); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.GetLiquidatable("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Troves) != 0 {
		t.Errorf("Troves = %v, want none at healthy prices", resp.Troves)
	}
}
