package version

import "testing"

func stamp(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	oldVersion, oldCommit, oldBuildTime := AppVersion, GitCommit, BuildTime
	t.Cleanup(func() {
		AppVersion, GitCommit, BuildTime = oldVersion, oldCommit, oldBuildTime
	})
	AppVersion, GitCommit, BuildTime = version, commit, buildTime
}

func TestCurrent_Defaults(t *testing.T) {
	stamp(t, "", " ", "")

	info := Current("")

	if info.Service != Unknown {
		t.Fatalf("expected service %q, got %q", Unknown, info.Service)
	}
	if info.Version != DevelopmentVersion || !info.IsDevelopment() {
		t.Fatalf("expected version %q, got %q", DevelopmentVersion, info.Version)
	}
	if info.Commit != Unknown {
		t.Fatalf("expected commit %q, got %q", Unknown, info.Commit)
	}
	if info.BuildTime != Unknown {
		t.Fatalf("expected build_time %q, got %q", Unknown, info.BuildTime)
	}
	if info.Build() != DevelopmentVersion {
		t.Fatalf("expected build %q, got %q", DevelopmentVersion, info.Build())
	}
}

func TestInfo_Build(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{name: "long commit is shortened", info: Info{Version: "v1.4.0", Commit: "3f9c2ab71d0e"}, want: "v1.4.0+3f9c2ab"},
		{name: "short commit kept", info: Info{Version: "v1.4.0", Commit: "3f9c"}, want: "v1.4.0+3f9c"},
		{name: "unknown commit omitted", info: Info{Version: "v1.4.0", Commit: Unknown}, want: "v1.4.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Build(); got != tt.want {
				t.Fatalf("Build() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCurrent_Stamped(t *testing.T) {
	stamp(t, "v2.0.1", "abcdef0123", "2026-03-01T10:00:00Z")

	info := Current("racesync")
	if info.IsDevelopment() {
		t.Fatal("stamped build must not report development")
	}
	if got := info.String(); got != "racesync@v2.0.1 (commit=abcdef0123, build_time=2026-03-01T10:00:00Z)" {
		t.Fatalf("unexpected String(): %s", got)
	}
}
