package scheduler

import "testing"

func TestScopeWantsStatus(t *testing.T) {
	cases := []struct {
		name  string
		scope MonitorScope
		job   string
		num   int
		want  bool
	}{
		{name: "home wants everything", scope: MonitorScope{Type: ScopeHome}, job: "a", num: 1, want: true},
		{name: "all wants everything", scope: MonitorScope{Type: ScopeAll}, job: "a", num: 1, want: true},
		{name: "job matches name", scope: MonitorScope{Type: ScopeJob, Job: "a"}, job: "a", num: 7, want: true},
		{name: "job rejects other name", scope: MonitorScope{Type: ScopeJob, Job: "a"}, job: "b", num: 7, want: false},
		{name: "run matches exact", scope: MonitorScope{Type: ScopeRun, Job: "a", Num: 7}, job: "a", num: 7, want: true},
		{name: "run rejects other build", scope: MonitorScope{Type: ScopeRun, Job: "a", Num: 7}, job: "a", num: 8, want: false},
		{name: "log never wants status", scope: MonitorScope{Type: ScopeLog, Job: "a", Num: 7}, job: "a", num: 7, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.scope.WantsStatus(tc.job, tc.num); got != tc.want {
				t.Fatalf("WantsStatus = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScopeWantsLog(t *testing.T) {
	s := MonitorScope{Type: ScopeLog, Job: "a", Num: 3}
	if !s.WantsLog("a", 3) {
		t.Fatal("expected log scope to match its run")
	}
	if s.WantsLog("a", 4) || s.WantsLog("b", 3) {
		t.Fatal("log scope must only match its own run")
	}
	if (MonitorScope{Type: ScopeHome}).WantsLog("a", 3) {
		t.Fatal("status scopes must not receive log bytes")
	}
}
