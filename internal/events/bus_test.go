package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every emitter in the engine is wired through this interface; the bus and
// the nop variant must both satisfy it.
func emitAll(e EventEmitter) {
	e.Emit(TypeCheckRecorded, "watchmesh/test", "tgt-1", map[string]interface{}{"ok": true})
}

func TestEmittersSatisfyInterface(t *testing.T) {
	emitAll(NopEmitter{})
	emitAll(NewEventBus())
}

func TestEventBusDeliversToTypedSubscriber(t *testing.T) {
	bus := NewEventBus()
	typed := bus.Subscribe(TypeIncidentOpened)
	all := bus.Subscribe()

	bus.Emit(TypeIncidentOpened, "watchmesh/ingest", "tgt-1", map[string]interface{}{"reason": "timeout"})
	bus.Emit(TypeCheckRecorded, "watchmesh/ingest", "tgt-1", nil)

	select {
	case ev := <-typed:
		assert.Equal(t, TypeIncidentOpened, ev.Type)
		assert.Equal(t, "tgt-1", ev.Subject)
		assert.Equal(t, "1.0", ev.SpecVersion)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber never received the incident event")
	}

	// The all-events subscriber sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("all-events subscriber missed event %d", i)
		}
	}

	select {
	case ev := <-typed:
		t.Fatalf("typed subscriber must not see %s", ev.Type)
	default:
	}
}

func TestCloudEventJSONRoundTrip(t *testing.T) {
	ev := NewCloudEvent(TypeWalletCredited, "watchmesh/payments", "tgt-9", map[string]interface{}{
		"amount_minor_units": 5,
	})
	raw, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"specversion":"1.0"`)
	assert.Contains(t, string(raw), TypeWalletCredited)
}
