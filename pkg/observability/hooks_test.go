package observability

import (
	"context"
	"testing"
	"time"
)

func TestNoopHooksDoNotPanic(t *testing.T) {
	ctx := context.Background()

	i := NoopInstallHooks{}
	i.OnPlanBuilt(ctx, 3, time.Second, nil)
	i.OnExtractStart(ctx, "a@1.0.0")
	i.OnExtractComplete(ctx, "a@1.0.0", 1024, time.Second, nil)
	i.OnScriptStart(ctx, "a@1.0.0", "install")
	i.OnScriptComplete(ctx, "a@1.0.0", "install", 0, time.Second, nil)
	i.OnInstallComplete(ctx, 3, 0, time.Second, nil)

	c := NoopCacheHooks{}
	c.OnCacheHit(ctx, "tarball")
	c.OnCacheMiss(ctx, "tarball")
	c.OnCacheSet(ctx, "tarball", 1024)
}

func TestGlobalHooksRegistry(t *testing.T) {
	Reset()

	if _, ok := Install().(NoopInstallHooks); !ok {
		t.Error("Install() should return NoopInstallHooks by default")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Cache() should return NoopCacheHooks by default")
	}

	customInstall := &testInstallHooks{}
	SetInstallHooks(customInstall)
	if Install() != customInstall {
		t.Error("SetInstallHooks should set custom hooks")
	}

	customCache := &testCacheHooks{}
	SetCacheHooks(customCache)
	if Cache() != customCache {
		t.Error("SetCacheHooks should set custom hooks")
	}

	Reset()
	if _, ok := Install().(NoopInstallHooks); !ok {
		t.Error("Reset() should restore NoopInstallHooks")
	}
	if _, ok := Cache().(NoopCacheHooks); !ok {
		t.Error("Reset() should restore NoopCacheHooks")
	}
}

func TestSetNilHooksIsIgnored(t *testing.T) {
	Reset()

	custom := &testInstallHooks{}
	SetInstallHooks(custom)
	SetInstallHooks(nil)

	if Install() != custom {
		t.Error("SetInstallHooks(nil) should be ignored")
	}

	Reset()
}

type testInstallHooks struct{ NoopInstallHooks }
type testCacheHooks struct{ NoopCacheHooks }
