package health

import "testing"

func TestStateMachineDegradedAndLost(t *testing.T) {
	tr := NewTracker("snmp")

	if tr.State() != Healthy {
		t.Fatalf("initial state = %v, want healthy", tr.State())
	}

	// 9 次失败仍 healthy
	for i := 0; i < 9; i++ {
		tr.RecordFailure("timeout", false)
	}
	if tr.State() != Healthy {
		t.Errorf("state after 9 failures = %v, want healthy", tr.State())
	}

	// 第 10 次进入 degraded
	state, swap := tr.RecordFailure("timeout", false)
	if state != Degraded || swap {
		t.Errorf("after 10 failures: state=%v swap=%v, want degraded/false", state, swap)
	}

	// 无备用: 第 30 次进入 lost
	for i := 0; i < 19; i++ {
		tr.RecordFailure("timeout", false)
	}
	state, swap = tr.RecordFailure("timeout", false)
	if state != Lost || swap {
		t.Errorf("after 30 failures without secondary: state=%v swap=%v, want lost/false", state, swap)
	}
	if tr.ConsecutiveFailures() != 30 {
		t.Errorf("consecutive = %d, want 30", tr.ConsecutiveFailures())
	}
}

func TestStateMachineSwapAndRecover(t *testing.T) {
	tr := NewTracker("snmp")

	var swap bool
	for i := 0; i < 30; i++ {
		_, swap = tr.RecordFailure("unreachable", true)
	}
	if !swap {
		t.Fatal("30th failure with secondary available should request swap")
	}

	tr.RecordSwap("snmp", "serial")
	if tr.State() != Recovering {
		t.Errorf("state after swap = %v, want recovering", tr.State())
	}
	if tr.ActiveTransport() != "serial" {
		t.Errorf("active transport = %q, want serial", tr.ActiveTransport())
	}
	if tr.ConsecutiveFailures() != 0 {
		t.Errorf("counter after swap = %d, want 0", tr.ConsecutiveFailures())
	}

	// 备用传输上的成功保持 recovering
	if state := tr.RecordSuccess(true); state != Recovering {
		t.Errorf("success on fallback -> %v, want recovering", state)
	}
	// 主传输恢复后回到 healthy
	if state := tr.RecordSuccess(false); state != Healthy {
		t.Errorf("success on primary -> %v, want healthy", state)
	}

	view := tr.View()
	if len(view.Swaps) != 1 || view.Swaps[0].To != "serial" {
		t.Errorf("swap history = %+v, want one snmp->serial entry", view.Swaps)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	tr := NewTracker("snmp")
	for i := 0; i < 15; i++ {
		tr.RecordFailure("timeout", false)
	}
	tr.RecordSuccess(false)
	if tr.State() != Healthy || tr.ConsecutiveFailures() != 0 {
		t.Errorf("state=%v counter=%d, want healthy/0", tr.State(), tr.ConsecutiveFailures())
	}
}
