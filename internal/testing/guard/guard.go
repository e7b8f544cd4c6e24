package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SKOLARA_TEST_MODE") == "" {
			_ = os.Setenv("SKOLARA_TEST_MODE", "1")
		}
	})
}
