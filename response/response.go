package response

type Response struct {
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

type UserAuthResponse struct {
	Email   string `json:"email"`
	Avatar  string `json:"avatar"`
	FleetID string `json:"fleet_id"`
	Token   string `json:"token"`
}
