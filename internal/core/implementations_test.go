package core

import (
	"go/types"
	"path/filepath"
	"runtime"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestStoreImplementationsStayInStorePackages ensures only the vetted packages
// provide concrete implementations of the domain store interfaces, so a new
// backend cannot appear elsewhere without an explicit test update.
func TestStoreImplementationsStayInStorePackages(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes, Tests: true}
	pkgs, err := packages.Load(cfg, "chatstore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	ifaces := map[string]*types.Interface{}
	for _, p := range pkgs {
		if p.PkgPath != "chatstore/pkg/domain" || p.Types == nil {
			continue
		}
		for _, name := range []string{"StateStore", "CryptoStore", "MediaStore"} {
			obj := p.Types.Scope().Lookup(name)
			if obj == nil {
				t.Fatalf("domain.%s not found", name)
			}
			iface, ok := obj.Type().Underlying().(*types.Interface)
			if !ok {
				t.Fatalf("domain.%s is not an interface", name)
			}
			ifaces[name] = iface
		}
	}
	if len(ifaces) != 3 {
		t.Fatalf("failed to resolve store interfaces, got %d", len(ifaces))
	}
	allowed := map[string]map[string]struct{}{
		"StateStore":  {"chatstore/internal/statestore": {}},
		"CryptoStore": {"chatstore/internal/cryptostore": {}},
		"MediaStore":  {"chatstore/internal/media": {}},
	}
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil || p.Types.Scope() == nil {
			continue
		}
		for _, name := range p.Types.Scope().Names() {
			named, ok := p.Types.Scope().Lookup(name).Type().(*types.Named)
			if !ok {
				continue
			}
			if _, ok := named.Underlying().(*types.Struct); !ok {
				continue
			}
			for ifaceName, iface := range ifaces {
				if !types.Implements(types.NewPointer(named), iface) {
					continue
				}
				if _, ok := allowed[ifaceName][p.PkgPath]; !ok {
					unexpected = append(unexpected, ifaceName+": "+p.PkgPath+"."+name)
				}
			}
		}
	}
	if len(unexpected) > 0 {
		_, file, line, _ := runtime.Caller(0)
		t.Fatalf("unexpected store implementations (update allowed list intentionally if adding a new backend):\nfile=%s:%d\n%s", filepath.Base(file), line, unexpected)
	}
}
