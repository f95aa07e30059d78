package connection

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Info describes how to reach a broker. Empty strings mean the field is
// absent. Info is a plain value and can be copied freely.
type Info struct {
	Scheme   string `mapstructure:"scheme" validate:"required,oneof=amqp amqps redis rediss"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	VHost    string `mapstructure:"vhost"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
}

// URL renders <scheme>://[<user>:<password>@]<host>:<port>[/<vhost>].
// Credentials are included only when both username and password are set.
func (i Info) URL() string {
	return i.render(i.Password)
}

// Redacted renders the URL with the password masked, for logs and errors.
func (i Info) Redacted() string {
	return i.render("***")
}

func (i Info) render(password string) string {
	var b strings.Builder
	b.WriteString(i.Scheme)
	b.WriteString("://")
	if i.HasCredentials() {
		b.WriteString(url.PathEscape(i.Username))
		b.WriteByte(':')
		b.WriteString(url.PathEscape(password))
		b.WriteByte('@')
	}
	b.WriteString(i.Host)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(i.Port))
	if i.VHost != "" {
		b.WriteByte('/')
		b.WriteString(i.VHost)
	}
	return b.String()
}

// HasCredentials reports whether both username and password are set.
func (i Info) HasCredentials() bool {
	return i.Username != "" && i.Password != ""
}

// WithCredentials returns a copy of i carrying the given credentials.
func (i Info) WithCredentials(username, password string) Info {
	i.Username = username
	i.Password = password
	return i
}

// UseTLS reports whether the transport must be wrapped in TLS.
func (i Info) UseTLS() bool {
	return i.TLS || i.Scheme == "amqps" || i.Scheme == "rediss"
}

func (i Info) String() string {
	return fmt.Sprintf("%s (tls=%t)", i.Redacted(), i.UseTLS())
}
