package irq

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		cause Cause
		class Class
		ch    uint32
	}{
		{CauseSTimer, ClassTimer, 0},
		{CauseSExternal, ClassExternal, 0},
		{CauseSSoftware, ClassInvalid, 0},
		{CauseInterrupt | 7, ClassInvalid, 0},
		{CauseInterrupt | 11, ClassInvalid, 0},
		{CauseInterrupt, ClassInvalid, 0},
		{0, ClassChannel, 0},
		{5, ClassChannel, 5},
		{10, ClassChannel, 10},
		{1023, ClassChannel, 1023},
		{1 << 40, ClassChannel, ^uint32(0)},
	}
	for _, tt := range tests {
		class, ch := Classify(tt.cause)
		if class != tt.class || ch != tt.ch {
			t.Errorf("Classify(%v) = (%v, %d), want (%v, %d)", tt.cause, class, ch, tt.class, tt.ch)
		}
	}
}

func TestCauseIsLocal(t *testing.T) {
	if !CauseSTimer.IsLocal() {
		t.Fatalf("timer cause should be local")
	}
	if Cause(9).IsLocal() {
		t.Fatalf("channel 9 should not be local")
	}
}
