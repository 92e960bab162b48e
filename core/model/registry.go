package model

import (
	"sort"
	"sync"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// レジストリは名前からFactoryを引くためのもの。
// 探索ワーカーは別プロセスで動くため関数値を受け渡せず、名前で解決する。
var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register はFactoryを名前付きで登録する。同名の再登録はエラー。
func Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return errors.NewConfigurationError("model.Register", "name", "name and factory are required", name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		return errors.NewConfigurationError("model.Register", "name", "already registered", name)
	}
	registry[name] = factory
	return nil
}

// MustRegister は init() から呼ぶための Register。失敗時は panic する。
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup は登録済みのFactoryを返す。
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownModel, "model %q", name)
	}
	return f, nil
}

// Registered は登録済みモデル名をソートして返す。
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
