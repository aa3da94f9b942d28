// Package auth authenticates peers connecting to a bridge.
package auth

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrBadCredentials = errors.New("bad username and/or password")
)

type Basic struct {
	users map[string]*credential // k: clientId
	userL sync.RWMutex

	params      Params
	allowGuests bool
}

type credential struct {
	userName string
	hash     string // PHC argon2id
	node     string
}

func NewBasic(p Params) *Basic {
	return &Basic{
		users:  make(map[string]*credential),
		params: p,
	}
}

// RegisterUser hashes password and stores the user. node is the name the
// peer gets below its bridge; empty means the client id.
func (ba *Basic) RegisterUser(clientId, userName, password, node string) error {
	hash, err := HashPassword(password, ba.params)
	if err != nil {
		return err
	}
	return ba.RegisterHashed(clientId, userName, hash, node)
}

// RegisterHashed stores a user with an already hashed password.
func (ba *Basic) RegisterHashed(clientId, userName, hash, node string) error {
	if _, _, _, err := decodePHC(hash); err != nil {
		return err
	}
	ba.userL.Lock()
	ba.users[clientId] = &credential{userName, hash, node}
	ba.userL.Unlock()
	return nil
}

func (ba *Basic) RemoveUser(clientId string) {
	ba.userL.Lock()
	delete(ba.users, clientId)
	ba.userL.Unlock()
}

// Allow unregistered user access. (Users without username/password)
// Will not allow guests to join with clientIds that are registered, regardless.
func (ba *Basic) ToggleGuestAccess(allow bool) {
	ba.userL.Lock()
	ba.allowGuests = allow
	ba.userL.Unlock()
}

// Authenticate implements the bridge authentication callback.
func (ba *Basic) Authenticate(clientId, username string, password []byte) (string, error) {
	ba.userL.RLock()
	user, ok := ba.users[clientId]
	guests := ba.allowGuests
	ba.userL.RUnlock()

	if !ok {
		if !guests {
			return "", ErrUnknownUser
		}
		return clientId, nil
	}

	if username != user.userName {
		return "", ErrBadCredentials
	}
	match, err := VerifyPassword(password, user.hash)
	if err != nil {
		return "", err
	}
	if !match {
		return "", ErrBadCredentials
	}

	if user.node == "" {
		return clientId, nil
	}
	return user.node, nil
}
