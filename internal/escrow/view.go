package escrow

import "github.com/mbd888/authorityx/internal/domain"

// Contact is a party's reachable identity.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	// Withheld is set when contact details are hidden from the viewer.
	Withheld bool `json:"withheld,omitempty"`
}

// View is a transaction as one viewer may see it.
type View struct {
	*domain.Transaction
	Viewer domain.Party `json:"viewer"`
	Buyer  Contact      `json:"buyer"`
	Seller Contact      `json:"seller"`
}

// Project applies the contact visibility policy for viewer. The buyer sees
// the seller's contact once the final payment is received; the seller sees
// the buyer's once the deposit is received. Admins see both.
func Project(t *domain.Transaction, viewer domain.Party, buyer, seller *domain.Account) *View {
	v := &View{
		Transaction: t,
		Viewer:      viewer,
		Buyer:       contactOf(buyer),
		Seller:      contactOf(seller),
	}
	switch viewer {
	case domain.PartyAdmin, domain.PartySystem:
	case domain.PartyBuyer:
		if t.PaymentReceivedAt == nil {
			v.Seller = withheld(seller.ID)
		}
	case domain.PartySeller:
		if t.DepositReceivedAt == nil {
			v.Buyer = withheld(buyer.ID)
		}
	default:
		v.Buyer = withheld(buyer.ID)
		v.Seller = withheld(seller.ID)
	}
	return v
}

func contactOf(a *domain.Account) Contact {
	return Contact{ID: a.ID, Name: a.Name, Email: a.Email, Phone: a.Phone}
}

func withheld(id string) Contact {
	return Contact{ID: id, Withheld: true}
}
