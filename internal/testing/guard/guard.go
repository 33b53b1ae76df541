package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("LABSTOCK_TEST_MODE") == "" {
			_ = os.Setenv("LABSTOCK_TEST_MODE", "1")
		}
	})
}
