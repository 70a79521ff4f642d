package panel

import "context"

// Profile is the account state the panel reports for the logged-in user.
type Profile struct {
	Email          string `json:"email"`
	PlanID         *int   `json:"plan_id"`
	Balance        int64  `json:"balance"`
	TransferEnable int64  `json:"transfer_enable"`
	ExpiredAt      *int64 `json:"expired_at"`
}

// Subscription describes the account's subscription link and usage.
type Subscription struct {
	SubscribeURL   string `json:"subscribe_url"`
	Upload         int64  `json:"u"`
	Download       int64  `json:"d"`
	TransferEnable int64  `json:"transfer_enable"`
}

// Plan is one purchasable subscription tier.
type Plan struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	MonthPrice     *int64 `json:"month_price"`
	QuarterPrice   *int64 `json:"quarter_price"`
	YearPrice      *int64 `json:"year_price"`
	TransferEnable int64  `json:"transfer_enable"`
}

// Order is one billing order on the account.
type Order struct {
	TradeNo     string `json:"trade_no"`
	TotalAmount int64  `json:"total_amount"`
	Status      int    `json:"status"`
	CreatedAt   int64  `json:"created_at"`
}

// OrderStatusPaid is the panel's status code for a settled order.
const OrderStatusPaid = 3

// GetProfile fetches the logged-in account's profile. This doubles as
// the lightweight who-am-I probe for stored tokens.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var result struct {
		Data *Profile `json:"data"`
	}
	if err := c.get(ctx, "/user/info", &result); err != nil {
		return nil, err
	}
	if result.Data == nil {
		return nil, &authHTTPError{status: 0, body: "profile response carried no data"}
	}
	return result.Data, nil
}

// GetSubscription fetches the subscription link and traffic counters.
func (c *Client) GetSubscription(ctx context.Context) (*Subscription, error) {
	var result struct {
		Data *Subscription `json:"data"`
	}
	if err := c.get(ctx, "/user/getSubscribe", &result); err != nil {
		return nil, err
	}
	if result.Data == nil {
		return nil, &authHTTPError{status: 0, body: "subscription response carried no data"}
	}
	return result.Data, nil
}

// GetPlans fetches the purchasable plan catalogue.
func (c *Client) GetPlans(ctx context.Context) ([]Plan, error) {
	var result struct {
		Data []Plan `json:"data"`
	}
	if err := c.get(ctx, "/user/plan/fetch", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// GetOrders fetches the account's order history, newest first.
func (c *Client) GetOrders(ctx context.Context) ([]Order, error) {
	var result struct {
		Data []Order `json:"data"`
	}
	if err := c.get(ctx, "/user/order/fetch", &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}
