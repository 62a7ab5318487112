package market

// Order 是一笔待履约的市场订单，收到后不再修改。
type Order struct {
	ID          string
	Destination string
	Payload     []string
	Note        string
	Price       float64
}

// Trade 为订单源返回的原始记录。字段名沿用对方接口。
type Trade struct {
	CustomID  string  `json:"costum_id"`
	ItemID    string  `json:"item_id"`
	Price     float64 `json:"price"`
	TradeLink string  `json:"tradelink"`
}

// Response 为所有接口共用的外层结构。
type Response struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg,omitempty"`
}

// Err 将 success=false 转换为领域错误。
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return rejection(r.Msg)
}

type readyTradesResponse struct {
	Response
	Trades []Trade `json:"trades"`
}

// ToOrder 将原始记录转换为订单；缺少关键字段时返回 false。
func (t Trade) ToOrder() (Order, bool) {
	if t.CustomID == "" || t.ItemID == "" || t.TradeLink == "" {
		return Order{}, false
	}
	return Order{
		ID:          t.CustomID,
		Destination: t.TradeLink,
		Payload:     []string{t.ItemID},
		Note:        t.CustomID,
		Price:       t.Price,
	}, true
}
