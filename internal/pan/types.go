package pan

// Wire types for vendor JSON responses. The token endpoint returns either
// token fields or an error pair; the xpan endpoints report failure through
// a non-zero errno alongside HTTP 200.

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type userInfoResponse struct {
	Errno     int    `json:"errno"`
	BaiduName string `json:"baidu_name"`
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
}

type precreateResponse struct {
	Errno    int    `json:"errno"`
	UploadID string `json:"uploadid"`
}

type createResponse struct {
	Errno int    `json:"errno"`
	FsID  uint64 `json:"fs_id"`
}

// AccountInfo is the identity and quota summary of the authorized account.
type AccountInfo struct {
	DisplayName string
	TotalBytes  uint64
	UsedBytes   uint64
}
