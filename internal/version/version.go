// Package version хранит сведения о сборке, подставляемые через -ldflags.
package version

import "fmt"

// ServiceName используется в User-Agent исходящих запросов и в логах запуска.
const ServiceName = "fulfillment-service"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent — значение заголовка User-Agent для вызовов внешних сервисов.
func UserAgent() string {
	return ServiceName + "/" + version
}
