package browserstore

import (
	"encoding/json"
	"fmt"
)

type selectorSet struct {
	Item        string `json:"item"`
	Price       string `json:"price"`
	Link        string `json:"link"`
	Stock       string `json:"stock"`
	Quantity    string `json:"quantity"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Rating      string `json:"rating"`
	Delivery    string `json:"delivery"`
}

// extractor returns a JS arrow function that collects every item on the
// page into the page JSON shape. Selector semantics match htmlstore's
// "selector@attr" convention.
func extractor(sel selectorSet) (string, error) {
	cfg, err := json.Marshal(sel)
	if err != nil {
		return "", fmt.Errorf("encode selectors: %w", err)
	}
	return fmt.Sprintf(`() => {
  const s = %s;
  const pick = (root, spec, def) => {
    if (!spec) return "";
    const at = spec.indexOf("@");
    const sel = (at < 0 ? spec : spec.slice(0, at)).trim();
    let attr = at < 0 ? "" : spec.slice(at + 1).trim();
    const node = sel ? root.querySelector(sel) : root;
    if (!node) return "";
    if (!attr && def) attr = def;
    if (attr) {
      const v = node.getAttribute(attr);
      if (v !== null) return v;
      if (!def) return "";
    }
    return (node.innerText || node.textContent || "").trim();
  };
  const items = Array.from(document.querySelectorAll(s.item)).map((el) => ({
    price: pick(el, s.price, ""),
    url: pick(el, s.link, "href"),
    stock: pick(el, s.stock, ""),
    quantity: pick(el, s.quantity, ""),
    description: pick(el, s.description, ""),
    image: pick(el, s.image, "src"),
    rating: pick(el, s.rating, ""),
    delivery: pick(el, s.delivery, ""),
  }));
  return JSON.stringify({ url: location.href, items: items });
}`, cfg), nil
}
