package dropbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// accountResponse mirrors the Core API account/info JSON.
type accountResponse struct {
	UID          json.Number `json:"uid"`
	DisplayName  string      `json:"display_name"`
	Email        string      `json:"email"`
	Country      string      `json:"country"`
	ReferralLink string      `json:"referral_link"`
	QuotaInfo    struct {
		Quota  int64 `json:"quota"`
		Shared int64 `json:"shared"`
		Normal int64 `json:"normal"`
	} `json:"quota_info"`
}

// AccountInfo fetches the authenticated user's account details. The user
// ID from the response is also recorded on the credential store.
func (c *Client) AccountInfo(ctx context.Context) (*Account, error) {
	resp, err := c.Dispatch(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.creds.servers.API + "/account/info",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("dropbox: decoding account response: %w", err)
	}

	account := &Account{
		UID:          raw.UID.String(),
		Name:         raw.DisplayName,
		Email:        raw.Email,
		Country:      raw.Country,
		ReferralLink: raw.ReferralLink,
		QuotaTotal:   raw.QuotaInfo.Quota,
		QuotaShared:  raw.QuotaInfo.Shared,
		QuotaUsed:    raw.QuotaInfo.Normal,
	}

	c.creds.setUID(account.UID)

	return account, nil
}
