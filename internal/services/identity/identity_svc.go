package identity

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Identity is the admission result for one verified token.
type Identity struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

var ErrTokenInvalid = errors.New("token invalid or expired")

const tokenKeyPrefix = "tok:"

// IIdentityService verifies opaque session tokens. Tokens are issued by the
// main application, which writes them as Redis hashes; this service only reads.
type IIdentityService interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

type identityService struct {
	rdc *redis.Client
}

func NewIdentityService(rdc *redis.Client) IIdentityService {
	return &identityService{rdc: rdc}
}

func (svc *identityService) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	data, err := svc.rdc.HGetAll(ctx, tokenKeyPrefix+token).Result()
	if err != nil {
		return nil, err
	}
	if data["uid"] == "" {
		return nil, ErrTokenInvalid
	}
	return &Identity{
		UserID:   data["uid"],
		UserName: data["name"],
	}, nil
}
