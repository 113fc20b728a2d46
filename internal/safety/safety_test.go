package safety

import (
	"testing"
	"time"

	"github.com/kimlam2010/OHT-V2-sub001/internal/config"
	"github.com/kimlam2010/OHT-V2-sub001/internal/fsm"
	"github.com/kimlam2010/OHT-V2-sub001/internal/hal"
	"github.com/kimlam2010/OHT-V2-sub001/internal/ohtclock"
)

func newMonitor() (*Monitor, *hal.Fake, *ohtclock.Fake) {
	clk := ohtclock.NewFake()
	h := hal.NewFake()
	return New(clk, h, config.DefaultSafety()), h, clk
}

func TestEitherChannelTriggersImmediately(t *testing.T) {
	for _, tc := range []struct {
		name     string
		ch1, ch2 bool
	}{
		{"ch1 only", true, false},
		{"ch2 only", false, true},
		{"both", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, h, _ := newMonitor()
			h.CH1, h.CH2 = tc.ch1, tc.ch2
			if err := m.Update(); err != nil {
				t.Fatalf("Update: %v", err)
			}
			// The very poll that observes an asserted channel must
			// trip the monitor; no debounce on assertion.
			if m.State() != StateTriggered {
				t.Fatalf("state = %v, want triggered", m.State())
			}
			if m.IsSafe() {
				t.Fatal("IsSafe() = true while triggered")
			}
			if m.Snapshot().TriggerCount != 1 {
				t.Fatalf("TriggerCount = %d, want 1", m.Snapshot().TriggerCount)
			}
		})
	}
}

func TestChannelMismatchBecomesFaultAfterDebounce(t *testing.T) {
	m, h, clk := newMonitor()
	h.CH1, h.CH2 = true, false
	m.Update()
	if m.State() != StateTriggered {
		t.Fatalf("state = %v, want triggered on first observation", m.State())
	}

	// The disagreement persists past the 50ms debounce window and
	// upgrades to a fault.
	for i := 0; i < 6; i++ {
		clk.Advance(10 * time.Millisecond)
		m.Update()
	}
	if m.State() != StateFault {
		t.Fatalf("state = %v, want fault after sustained mismatch", m.State())
	}
	if m.CurrentFault() != fsm.FaultHardware {
		t.Fatalf("CurrentFault = %v, want hardware", m.CurrentFault())
	}
}

func TestMismatchShorterThanDebounceIsNotAFault(t *testing.T) {
	m, h, clk := newMonitor()
	h.CH1, h.CH2 = true, false
	m.Update()
	clk.Advance(20 * time.Millisecond)
	m.Update()
	// Second channel catches up inside the window.
	h.CH2 = true
	clk.Advance(10 * time.Millisecond)
	m.Update()
	if m.State() != StateTriggered {
		t.Fatalf("state = %v, want triggered (not fault)", m.State())
	}
}

func TestFaultIsStickyUntilClear(t *testing.T) {
	m, h, clk := newMonitor()
	h.CH1, h.CH2 = true, false
	m.Update()
	clk.Advance(60 * time.Millisecond)
	m.Update()
	if m.State() != StateFault {
		t.Fatalf("setup: state = %v, want fault", m.State())
	}

	// Channels agreeing again does not self-heal the fault.
	h.CH1, h.CH2 = false, false
	for i := 0; i < 10; i++ {
		clk.Advance(10 * time.Millisecond)
		m.Update()
	}
	if m.State() != StateFault {
		t.Fatalf("state = %v, want fault held until explicit clear", m.State())
	}

	if err := m.ClearFault(); err != nil {
		t.Fatalf("ClearFault: %v", err)
	}
	if m.State() != StateSafe || m.CurrentFault() != fsm.FaultNone {
		t.Fatalf("state = %v fault = %v, want safe/none", m.State(), m.CurrentFault())
	}
}

func TestClearFaultRefusesWhileChannelsDisagree(t *testing.T) {
	m, h, clk := newMonitor()
	h.CH1, h.CH2 = true, false
	m.Update()
	clk.Advance(60 * time.Millisecond)
	m.Update()
	if err := m.ClearFault(); err == nil {
		t.Fatal("ClearFault succeeded with channels still disagreeing")
	}
	if m.State() != StateFault {
		t.Fatalf("state = %v, want fault", m.State())
	}
}

func TestResetSequence(t *testing.T) {
	m, h, clk := newMonitor()
	h.CH1, h.CH2 = true, true
	m.Update()
	if m.State() != StateTriggered {
		t.Fatalf("state = %v, want triggered", m.State())
	}

	// Reset refused while a channel is still asserted.
	if err := m.RequestReset(); err == nil {
		t.Fatal("RequestReset succeeded with channels asserted")
	}

	h.CH1, h.CH2 = false, false
	m.Update()
	if err := m.RequestReset(); err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	if m.State() != StateResetting {
		t.Fatalf("state = %v, want resetting", m.State())
	}

	// Safe only after the hold-off elapses with channels released.
	clk.Advance(50 * time.Millisecond)
	m.Update()
	if m.State() != StateResetting {
		t.Fatalf("state = %v, want still resetting mid-hold", m.State())
	}
	clk.Advance(60 * time.Millisecond)
	m.Update()
	if m.State() != StateSafe {
		t.Fatalf("state = %v, want safe after hold-off", m.State())
	}
	if m.Snapshot().LastResetUS == 0 {
		t.Fatal("LastResetUS not stamped")
	}
}

func TestReassertDuringResetReturnsToTriggered(t *testing.T) {
	m, h, clk := newMonitor()
	h.CH1, h.CH2 = true, true
	m.Update()
	h.CH1, h.CH2 = false, false
	m.Update()
	if err := m.RequestReset(); err != nil {
		t.Fatalf("RequestReset: %v", err)
	}
	h.CH1, h.CH2 = true, true
	clk.Advance(10 * time.Millisecond)
	m.Update()
	if m.State() != StateTriggered {
		t.Fatalf("state = %v, want triggered again", m.State())
	}
}

func TestCallbackDeliversTriggerEvent(t *testing.T) {
	m, h, _ := newMonitor()
	var got []Event
	m.SetEventCallback(func(evt Event, _ EStopState, _ fsm.FaultKind) {
		got = append(got, evt)
	})
	h.CH1 = true
	m.Update()
	if len(got) != 1 || got[0] != EventTriggered {
		t.Fatalf("events = %v, want [EventTriggered]", got)
	}
}

func TestMismatchFaultCodeNamesOpenChannel(t *testing.T) {
	m, h, clk := newMonitor()
	// CH1 follows the button, CH2 never does: CH2's circuit is open.
	h.CH1, h.CH2 = true, false
	m.Update()
	for i := 0; i < 6; i++ {
		clk.Advance(10 * time.Millisecond)
		m.Update()
	}
	if m.State() != StateFault {
		t.Fatalf("state = %v, want fault", m.State())
	}
	if m.CurrentCode() != CodeChannel2Open {
		t.Fatalf("code = %v, want channel2_open", m.CurrentCode())
	}
}

func TestStalledPollCadenceIsAFault(t *testing.T) {
	m, _, clk := newMonitor()
	clk.Advance(10 * time.Millisecond)
	m.Update()
	// The next poll arrives far outside the 100ms response budget: the
	// bounded-response guarantee is broken even though no channel moved.
	clk.Advance(250 * time.Millisecond)
	m.Update()
	if m.State() != StateFault {
		t.Fatalf("state = %v, want fault", m.State())
	}
	if m.CurrentCode() != CodeResponseTimeout {
		t.Fatalf("code = %v, want response_timeout", m.CurrentCode())
	}
}

func TestResetStatistics(t *testing.T) {
	m, h, _ := newMonitor()
	h.CH1, h.CH2 = true, true
	m.Update()
	if m.Snapshot().TriggerCount != 1 {
		t.Fatalf("TriggerCount = %d, want 1", m.Snapshot().TriggerCount)
	}
	m.ResetStatistics()
	if m.Snapshot().TriggerCount != 0 || m.Snapshot().FaultCount != 0 {
		t.Fatalf("counters not cleared: %+v", m.Snapshot())
	}
}

func TestSelfTest(t *testing.T) {
	m, h, _ := newMonitor()
	if err := m.SelfTest(); err != nil {
		t.Fatalf("SelfTest on quiet channels: %v", err)
	}
	h.CH1, h.CH2 = true, true
	if err := m.SelfTest(); err != nil {
		t.Fatalf("SelfTest on asserted-but-stable channels: %v", err)
	}
}
