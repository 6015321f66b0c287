package workingcopy

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"git.home.luguber.info/inful/reviewd/internal/config"
)

// transportAuth maps a repository auth record onto a go-git transport auth
// method. Credentials stay inside the returned value; they are never exported
// into the process environment.
func transportAuth(auth *config.AuthConfig) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}
	switch auth.Type {
	case config.AuthTypeNone, "":
		return nil, nil
	case config.AuthTypeBasic:
		if auth.Username == "" || auth.Password == "" {
			return nil, fmt.Errorf("basic auth requires username and password")
		}
		return &githttp.BasicAuth{Username: auth.Username, Password: auth.Password}, nil
	case config.AuthTypeToken:
		if auth.Token == "" {
			return nil, fmt.Errorf("token auth requires a token")
		}
		// Git hosting services accept the token as the basic-auth password
		// with a fixed username.
		return &githttp.BasicAuth{Username: "token", Password: auth.Token}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", auth.Type)
	}
}
