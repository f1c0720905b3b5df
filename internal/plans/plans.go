package plans

// PlanCode identifies one of the sellable subscription tiers.
type PlanCode string

const (
	PlanStarter PlanCode = "STARTER"
	PlanPro50   PlanCode = "PRO_50"
	PlanPro200  PlanCode = "PRO_200"
	PlanPro500  PlanCode = "PRO_500"
	PlanAgency  PlanCode = "AGENCY"
	PlanUnknown PlanCode = "UNKNOWN"
	PlanFree    PlanCode = "free"
)

// Plan defines the entitlements attached to a plan code.
// A limit of -1 means unlimited.
type Plan struct {
	Code              PlanCode `json:"code"`
	Name              string   `json:"name"`
	PostsLimit        int      `json:"postsLimit"`
	CreditsLimit      int      `json:"creditsLimit"`
	VideoMinutesLimit int      `json:"videoMinutesLimit"`
	BrandsLimit       int      `json:"brandsLimit"`
	Seats             int      `json:"seats"`
	PriceCents        int      `json:"priceCents"`
	TrialDays         int      `json:"trialDays"`
	Watermark         bool     `json:"watermark"`
	StripePriceID     string   `json:"stripePriceId,omitempty"`
}

// Table is the static plan configuration. Loaded by name, never mutated.
var Table = map[PlanCode]Plan{
	PlanStarter: {
		Code: PlanStarter, Name: "Starter",
		PostsLimit: 30, CreditsLimit: 100, VideoMinutesLimit: 0, BrandsLimit: 1,
		Seats: 1, PriceCents: 1900, TrialDays: 7, Watermark: true,
		StripePriceID: "price_starter_monthly",
	},
	PlanPro50: {
		Code: PlanPro50, Name: "Pro 50",
		PostsLimit: 50, CreditsLimit: 500, VideoMinutesLimit: 10, BrandsLimit: 3,
		Seats: 2, PriceCents: 4900, TrialDays: 7, Watermark: false,
		StripePriceID: "price_pro50_monthly",
	},
	PlanPro200: {
		Code: PlanPro200, Name: "Pro 200",
		PostsLimit: 200, CreditsLimit: 1000, VideoMinutesLimit: 30, BrandsLimit: 5,
		Seats: 5, PriceCents: 9900, TrialDays: 7, Watermark: false,
		StripePriceID: "price_pro200_monthly",
	},
	PlanPro500: {
		Code: PlanPro500, Name: "Pro 500",
		PostsLimit: 500, CreditsLimit: 2500, VideoMinutesLimit: 60, BrandsLimit: 10,
		Seats: 10, PriceCents: 19900, TrialDays: 7, Watermark: false,
		StripePriceID: "price_pro500_monthly",
	},
	PlanAgency: {
		Code: PlanAgency, Name: "Agency",
		PostsLimit: -1, CreditsLimit: 10000, VideoMinutesLimit: 240, BrandsLimit: -1,
		Seats: 25, PriceCents: 49900, TrialDays: 14, Watermark: false,
		StripePriceID: "price_agency_monthly",
	},
}

// ByStripePriceID reverse-maps a Stripe price id to a plan code.
// Returns PlanUnknown when the price id is not one we sell.
func ByStripePriceID(priceID string) PlanCode {
	for code, p := range Table {
		if p.StripePriceID == priceID {
			return code
		}
	}
	return PlanUnknown
}

// FromLimits infers a plan from the exact (postsLimit, creditsLimit) pair of
// a usage bucket. Customized limits (e.g. admin overrides or applied add-ons
// on the posts/credits axes) do not match any plan and yield PlanUnknown;
// callers must degrade gracefully.
func FromLimits(postsLimit, creditsLimit int) PlanCode {
	for code, p := range Table {
		if p.PostsLimit == postsLimit && p.CreditsLimit == creditsLimit {
			return code
		}
	}
	return PlanUnknown
}

// AddonType identifies a purchasable entitlement boost.
type AddonType string

const (
	AddonCredits500 AddonType = "CREDITS_500"
	AddonVideo60    AddonType = "VIDEO_60"
	AddonPosts1000  AddonType = "POSTS_1000"
	AddonBrand      AddonType = "BRAND"
	AddonSeat       AddonType = "SEAT"
)

// Addon defines the amount and price of an add-on purchase. The amount is
// added to the matching bucket limit, never replacing it.
type Addon struct {
	Type       AddonType `json:"type"`
	Amount     int       `json:"amount"`
	PriceCents int       `json:"priceCents"`
	Recurring  bool      `json:"recurring"`
}

// Addons is the static add-on configuration.
var Addons = map[AddonType]Addon{
	AddonCredits500: {Type: AddonCredits500, Amount: 500, PriceCents: 1500},
	AddonVideo60:    {Type: AddonVideo60, Amount: 60, PriceCents: 2900},
	AddonPosts1000:  {Type: AddonPosts1000, Amount: 1000, PriceCents: 1900},
	AddonBrand:      {Type: AddonBrand, Amount: 1, PriceCents: 900, Recurring: true},
	AddonSeat:       {Type: AddonSeat, Amount: 1, PriceCents: 700, Recurring: true},
}
