// Package faultinject реализует детерминированную точку отказа шагов.
//
// Флаг artificial_failure содержит список ключей шагов через запятую.
// Элемент "device.attach" роняет прямое действие шага с этим ключом,
// элемент "rollback:device.attach" роняет его компенсацию. Ключ
// сравнивается точно, поэтому повторный запуск одинакового графа
// падает ровно на том же шаге.
package faultinject

import (
	"strings"

	"github.com/shaiso/Strata/internal/config"
	"github.com/shaiso/Strata/internal/domain"
	"github.com/shaiso/Strata/internal/fault"
)

// FlagArtificialFailure — имя флага с точками отказа.
const FlagArtificialFailure = "artificial_failure"

const rollbackPrefix = "rollback:"

// Injector проверяет флаг перед каждым вызовом адаптера.
type Injector struct {
	flags config.FlagSource
}

// New создаёт Injector. nil-источник отключает инъекцию.
func New(flags config.FlagSource) *Injector {
	return &Injector{flags: flags}
}

// Check возвращает синтетическую ошибку, если флаг называет шаг в этой фазе.
func (i *Injector) Check(stepKey string, phase domain.Phase) *fault.Fault {
	if i == nil || i.flags == nil || stepKey == "" {
		return nil
	}

	value, ok := i.flags.Lookup(FlagArtificialFailure)
	if !ok || value == "" {
		return nil
	}

	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		entryPhase := domain.PhaseForward
		if strings.HasPrefix(entry, rollbackPrefix) {
			entryPhase = domain.PhaseRollback
			entry = strings.TrimPrefix(entry, rollbackPrefix)
		}
		if entry == stepKey && entryPhase == phase {
			return fault.Businessf(fault.CodeArtificialFailure,
				"artificial failure injected at %s (%s)", stepKey, phase)
		}
	}
	return nil
}
