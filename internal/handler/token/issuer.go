package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	nanoid "github.com/matoous/go-nanoid/v2"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var ErrCredentialsMissing = errors.New("livekit credentials are not configured")

// VideoGrant 令牌携带的房间权限
type VideoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanPublishData bool   `json:"canPublishData"`
	CanSubscribe   bool   `json:"canSubscribe"`
}

// Claims LiveKit access token 载荷
type Claims struct {
	jwt.RegisteredClaims
	Video    VideoGrant `json:"video"`
	Metadata string     `json:"metadata,omitempty"`
}

// Grant 一次签发的令牌及其房间信息
type Grant struct {
	Identity    string
	AccessToken string
	Room        string
}

// Issuer 使用 LiveKit API Key 签发房间令牌
type Issuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
	now       func() time.Time
}

func NewIssuer(apiKey, apiSecret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Issuer{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl, now: time.Now}
}

// Issue 为随机房间与身份签发令牌，metadata 以 JSON 编码附带
func (i *Issuer) Issue(metadata any) (Grant, error) {
	if i == nil || i.apiKey == "" || i.apiSecret == "" {
		return Grant{}, ErrCredentialsMissing
	}

	room, err := randomName("room", 4, 4)
	if err != nil {
		return Grant{}, err
	}
	identity, err := randomName("identity", 4)
	if err != nil {
		return Grant{}, err
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return Grant{}, fmt.Errorf("encode metadata: %w", err)
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			ID:        identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Video: VideoGrant{
			Room:           room,
			RoomJoin:       true,
			CanPublish:     true,
			CanPublishData: true,
			CanSubscribe:   true,
		},
		Metadata: string(meta),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.apiSecret))
	if err != nil {
		return Grant{}, fmt.Errorf("sign token: %w", err)
	}
	return Grant{Identity: identity, AccessToken: signed, Room: room}, nil
}

// randomName 生成 prefix-XXXX[-XXXX...] 形式的随机名称
func randomName(prefix string, segments ...int) (string, error) {
	name := prefix
	for _, size := range segments {
		part, err := nanoid.Generate(alphanumeric, size)
		if err != nil {
			return "", fmt.Errorf("generate %s name: %w", prefix, err)
		}
		name += "-" + part
	}
	return name, nil
}
