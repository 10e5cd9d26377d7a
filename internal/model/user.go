package model

import "time"

// User is a DevCollab account as seen by the chat core. Registration and
// credentials live outside of this service.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserPublic struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	IsOnline    bool   `json:"is_online"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

// Name returns the display name, falling back to the username.
func (u UserPublic) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
