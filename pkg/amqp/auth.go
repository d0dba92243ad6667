package amqp

// Auth parameter keys used by the built-in mechanisms.
const (
	ParamMechanism = "MECHANISM"
	ParamLogin     = "LOGIN"
	ParamPassword  = "PASSWORD"
)

// AuthProvider produces the SASL response blob sent in
// connection.start-ok from the configured auth parameters.
type AuthProvider func(params map[string]string) []byte

// authProviders maps mechanism names to providers. Applications may
// register additional mechanisms with RegisterAuthProvider before
// dialing.
var authProviders = map[string]AuthProvider{
	"PLAIN":    plainResponse,
	"AMQPLAIN": amqplainResponse,
}

// RegisterAuthProvider installs a provider for mechanism. A nil
// provider removes the entry.
func RegisterAuthProvider(mechanism string, p AuthProvider) {
	if p == nil {
		delete(authProviders, mechanism)
		return
	}
	authProviders[mechanism] = p
}

func lookupAuthProvider(mechanism string) (AuthProvider, bool) {
	p, ok := authProviders[mechanism]
	return p, ok
}

// plainResponse is the SASL PLAIN form: NUL login NUL password.
func plainResponse(params map[string]string) []byte {
	out := make([]byte, 0, len(params[ParamLogin])+len(params[ParamPassword])+2)
	out = append(out, 0)
	out = append(out, params[ParamLogin]...)
	out = append(out, 0)
	out = append(out, params[ParamPassword]...)
	return out
}

// amqplainResponse is the RabbitMQ AMQPLAIN form: the LOGIN/PASSWORD
// pairs of a field table without the four-byte length prefix.
func amqplainResponse(params map[string]string) []byte {
	table := writeFieldTable(map[string]interface{}{
		ParamLogin:    params[ParamLogin],
		ParamPassword: params[ParamPassword],
	})
	return table[4:]
}

func defaultAuthParams() map[string]string {
	return map[string]string{
		ParamMechanism: "AMQPLAIN",
		ParamLogin:     "guest",
		ParamPassword:  "guest",
	}
}
