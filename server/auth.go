package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Authenticator checks the credentials a client claimed for a user id.
type Authenticator func(userId string, credentials json.RawMessage, client *Client) (bool, error)

const (
	bruteforceAttempts = 3
	bruteforceWindow   = time.Minute
)

// bruteforceTracker throttles repeated authentication failures per remote
// address. A fixed number of failures inside the window locks the address
// out regardless of the authenticator's own verdict.
type bruteforceTracker struct {
	mutex    sync.Mutex
	attempts map[string][]time.Time
}

func newBruteforceTracker() *bruteforceTracker {
	return &bruteforceTracker{
		attempts: map[string][]time.Time{},
	}
}

func (self *bruteforceTracker) Remember(address string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.attempts[address] = append(self.recent(address), time.Now())
}

func (self *bruteforceTracker) IsLocked(address string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	recent := self.recent(address)
	if len(recent) == 0 {
		delete(self.attempts, address)
		return false
	}
	self.attempts[address] = recent
	return bruteforceAttempts <= len(recent)
}

// callers must hold mutex
func (self *bruteforceTracker) recent(address string) []time.Time {
	horizon := time.Now().Add(-bruteforceWindow)
	recent := []time.Time{}
	for _, attempt := range self.attempts[address] {
		if attempt.After(horizon) {
			recent = append(recent, attempt)
		}
	}
	return recent
}

// JWTAuthenticator builds an authenticator that expects the credentials
// to be an HMAC-signed token whose `user_id` claim matches the claimed
// user id.
func JWTAuthenticator(secret []byte) Authenticator {
	return func(userId string, credentials json.RawMessage, client *Client) (bool, error) {
		var tokenStr string
		if err := json.Unmarshal(credentials, &tokenStr); err != nil {
			return false, nil
		}

		token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected token signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return false, nil
		}

		claims, ok := token.Claims.(gojwt.MapClaims)
		if !ok {
			return false, nil
		}
		claimedId, _ := claims["user_id"].(string)
		return claimedId != "" && claimedId == userId, nil
	}
}
