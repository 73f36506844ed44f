// Package sqlitemigrate links golang-migrate's sqlite driver into the
// importing binary. It is a separate package because the driver's init
// registers modernc's "sqlite" sql driver, which panics alongside the
// glebarez registration the server's gorm pool uses. Import it only from
// binaries and tests that run sqlite migrations and do not link glebarez.
package sqlitemigrate

import (
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
)
