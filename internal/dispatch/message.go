package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/postreach/viewpool/internal/models"
	"github.com/tidwall/gjson"
)

// Message is the JSON document consumed by the external view workers.
type Message struct {
	AccountID       string          `json:"account_id"`
	AccountJSONData json.RawMessage `json:"account_json_data"`
	Proxy           ProxyPayload    `json:"proxy"`
	TelegramPostURL string          `json:"telegram_post_url"`
}

// ProxyPayload is the proxy record as the workers expect it.
type ProxyPayload struct {
	ID          uint64     `json:"id"`
	Name        string     `json:"name"`
	IP          string     `json:"ip"`
	Port        int        `json:"port"`
	Protocol    string     `json:"protocol"`
	Login       string     `json:"login"`
	Password    string     `json:"password"`
	RefreshLink string     `json:"refresh_link"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	IsActive    bool       `json:"is_active"`
	MaxAccounts int        `json:"max_accounts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewMessage builds the wire message for account against postURL.
// The account must have its proxy loaded.
func NewMessage(account models.Account, postURL string) Message {
	msg := Message{
		AccountID:       base64.StdEncoding.EncodeToString(account.SessionData),
		AccountJSONData: descriptorObject(account.JSONData),
		TelegramPostURL: postURL,
	}
	if p := account.Proxy; p != nil {
		msg.Proxy = ProxyPayload{
			ID:          p.ID,
			Name:        p.Name,
			IP:          p.Host,
			Port:        p.Port,
			Protocol:    p.Protocol,
			Login:       p.Login,
			Password:    p.Password,
			RefreshLink: p.RefreshLink,
			UsageCount:  p.UsageCount,
			LastUsedAt:  p.LastUsedAt,
			IsActive:    p.IsActive,
			MaxAccounts: p.MaxAccounts,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.UpdatedAt,
		}
	}
	return msg
}

// descriptorObject passes a JSON object through untouched and replaces
// anything else with an empty object.
func descriptorObject(raw []byte) json.RawMessage {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}
