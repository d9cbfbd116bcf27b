package coin

import "testing"

func TestPlanChange_ExactCascade(t *testing.T) {
	cases := []struct {
		amount int
		tubes  map[int]int
		want   Plan
	}{
		{20, map[int]int{10: 5, 20: 5, 50: 5, 100: 5, 200: 5, 500: 5}, Plan{20: 1}},
		{70, map[int]int{10: 5, 20: 5, 50: 5}, Plan{50: 1, 20: 1}},
		{730, map[int]int{500: 1, 200: 1, 20: 1, 10: 1}, Plan{500: 1, 200: 1, 20: 1, 10: 1}},
	}
	for _, c := range cases {
		got, ok := PlanChange(c.amount, c.tubes)
		if !ok {
			t.Errorf("PlanChange(%d, %v): ok=false, want true", c.amount, c.tubes)
			continue
		}
		if !plansEqual(got, c.want) {
			t.Errorf("PlanChange(%d, %v) = %v, want %v", c.amount, c.tubes, got, c.want)
		}
	}
}

func TestPlanChange_InsufficientCoinage(t *testing.T) {
	plan, ok := PlanChange(70, map[int]int{50: 1, 20: 0, 10: 0})
	if ok {
		t.Fatalf("expected failure, got plan %v", plan)
	}
	if len(plan) != 0 {
		t.Fatalf("failed plan should not be used to issue commands, got %v", plan)
	}
}

func TestPlanChange_UsesNoMoreThanAvailable(t *testing.T) {
	plan, ok := PlanChange(100, map[int]int{100: 0, 50: 2})
	if !ok {
		t.Fatalf("expected success, got failure")
	}
	if plan[50] > 2 {
		t.Fatalf("plan used more 50s than available: %v", plan)
	}
}

func TestPlanChange_ZeroAmount(t *testing.T) {
	plan, ok := PlanChange(0, map[int]int{10: 5})
	if !ok || len(plan) != 0 {
		t.Fatalf("PlanChange(0, ...) = %v, %v; want empty plan, true", plan, ok)
	}
}

func TestPlanChange_NegativeAmountFails(t *testing.T) {
	if _, ok := PlanChange(-10, map[int]int{10: 5}); ok {
		t.Fatalf("negative amount should fail")
	}
}

func plansEqual(a, b Plan) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
