package venue

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

func testConnector() *Connector {
	cfg := config.VenueConfig{
		WSPublicURL:  "ws://localhost/public",
		SymbolFormat: "ASSETUSDT",
		HasDepthFeed: true,
	}
	return NewConnector(testClient("ASSETUSDT", 0.005), cfg, slog.Default())
}

func TestRegisterBBOListenerIdempotent(t *testing.T) {
	t.Parallel()

	c := testConnector()
	ch1 := c.RegisterBBOListener("profit-monitor")
	ch2 := c.RegisterBBOListener("profit-monitor")
	if ch1 != ch2 {
		t.Error("re-registering the same id must return the same channel")
	}

	c.UnregisterBBOListener("profit-monitor")
	// Channel is closed on unregister.
	select {
	case _, open := <-ch1:
		if open {
			t.Error("expected closed channel after unregister")
		}
	default:
		t.Error("expected closed channel after unregister, got blocked read")
	}

	// Unknown id is a no-op.
	c.UnregisterBBOListener("never-registered")
}

func TestPublishBBOFanOutAndLatest(t *testing.T) {
	t.Parallel()

	c := testConnector()
	ch := c.RegisterBBOListener("l1")

	bbo := types.BBO{Symbol: "BTC", Bid: 100, Ask: 100.5, Timestamp: time.Now()}
	c.publishBBO(bbo)

	got, ok := c.LatestBBO("BTC")
	if !ok || got.Bid != 100 || got.Ask != 100.5 {
		t.Fatalf("LatestBBO = %+v ok=%v", got, ok)
	}

	select {
	case recv := <-ch:
		if recv.Symbol != "BTC" {
			t.Errorf("listener got %+v", recv)
		}
	default:
		t.Fatal("listener did not receive the update")
	}
}

func TestPublishBBODropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	c := testConnector()
	ch := c.RegisterBBOListener("slow")

	for i := 0; i <= bboListenerSize; i++ {
		c.publishBBO(types.BBO{Symbol: "BTC", Bid: float64(i), Ask: float64(i) + 0.5})
	}

	// The first update (Bid=0) was dropped to make room for the newest.
	first := <-ch
	if first.Bid == 0 {
		t.Error("oldest update should have been dropped")
	}

	// Drain the queue; the newest update must be present at the tail.
	last := first
	for {
		select {
		case b := <-ch:
			last = b
		default:
			if last.Bid != float64(bboListenerSize) {
				t.Errorf("newest update missing, tail bid = %v", last.Bid)
			}
			return
		}
	}
}

// wsTestServer accepts websocket upgrades and drains frames until the peer
// hangs up.
func wsTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectBlocksUntilStreamsUp(t *testing.T) {
	t.Parallel()

	srv := wsTestServer(t)
	cfg := config.VenueConfig{
		WSPublicURL:  wsURL(srv),
		WSPrivateURL: wsURL(srv),
		SymbolFormat: "ASSETUSDT",
	}
	c := NewConnector(testClient("ASSETUSDT", 0.005), cfg, slog.Default())

	// Returns only once both sockets are established.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
}

func TestConnectSurfacesDialFailure(t *testing.T) {
	t.Parallel()

	cfg := config.VenueConfig{
		WSPublicURL:  "ws://127.0.0.1:1/ws", // nothing listens here
		SymbolFormat: "ASSETUSDT",
	}
	c := NewConnector(testClient("ASSETUSDT", 0.005), cfg, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect must fail when the venue is unreachable")
	}

	// A failed Connect leaves the connector stopped; Disconnect is a no-op.
	c.Disconnect()
}

func TestConnectorSnapshotWithoutFeed(t *testing.T) {
	t.Parallel()

	c := testConnector()
	if snap := c.OrderBookSnapshot(); snap != nil {
		t.Errorf("expected nil snapshot before any market feed, got %+v", snap)
	}
	bids, asks := c.GetBestLevels(100)
	if bids != nil || asks != nil {
		t.Error("expected nil levels before any market feed")
	}
}
