package ygggo_amysql

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ConnectionKey identifies a connection target. Keys are compared structurally and
// can be used as map keys.
type ConnectionKey struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// NewConnectionKey builds a key from its parts.
func NewConnectionKey(host string, port int, database, user, password string) ConnectionKey {
	return ConnectionKey{Host: host, Port: port, Database: database, User: user, Password: password}
}

// String renders the key for logs. The password is never printed.
func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", k.User, k.Host, k.Port, k.Database)
}

// Hash returns a stable 64-bit identity over all fields, password included, so two
// keys that differ only by password stay distinguishable in logs and metrics.
func (k ConnectionKey) Hash() uint64 {
	d := xxhash.New()
	for _, part := range []string{k.Host, strconv.Itoa(k.Port), k.Database, k.User, k.Password} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// HashString is Hash formatted as fixed width hex.
func (k ConnectionKey) HashString() string {
	return fmt.Sprintf("%016x", k.Hash())
}

// withUser returns a copy of the key re-authenticated as another user.
func (k ConnectionKey) withUser(user, password, database string) ConnectionKey {
	k.User = user
	k.Password = password
	k.Database = database
	return k
}
