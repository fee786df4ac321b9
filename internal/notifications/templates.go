package notifications

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/hamao333333/my-shop-api/internal/domain"
)

const mailTemplates = `
{{define "lines"}}
<ul>
{{- range .Lines}}
  <li>{{.Name}} ×{{.Quantity}}{{if .UnitPrice}}（単価 {{amount .UnitPrice $.Currency}}）{{end}}</li>
{{- end}}
</ul>
{{if .ShippingFee}}<p>送料：{{amount .ShippingFee .Currency}}</p>{{end}}
{{if .Total}}<p><strong>合計：{{amount .Total .Currency}}</strong></p>{{end}}
{{end}}

{{define "customer"}}
<h3>購入者情報</h3>
<p>氏名：{{.Customer.Name}}</p>
<p>フリガナ：{{.Customer.NameKana}}</p>
<p>メール：{{.Customer.Email}}</p>
<p>電話：{{.Customer.Phone}}</p>
<p>郵便：{{.Customer.PostalCode}}</p>
<p>住所：{{.Customer.Address}}</p>
<p>配達時間：{{.Customer.DeliveryTimeWindow}}</p>
<p>備考：{{.Notes}}</p>
{{end}}

{{define "order_received_customer"}}
<p>{{.Customer.Name}} 様</p>
<p>ご注文を受け付けました。このあと決済画面へ移動します。</p>
<p>注文番号：<strong>{{.OrderID}}</strong></p>
<p>お支払い方法：{{.MethodLabel}}</p>
{{template "lines" .}}
<p>{{.ShopName}}</p>
{{end}}

{{define "order_received_admin"}}
<p>決済待ちの注文を受け付けました。</p>
<p>注文番号：<strong>{{.OrderID}}</strong></p>
<p>支払い方法：{{.MethodLabel}}</p>
<p>メール：{{.Customer.Email}}</p>
{{template "lines" .}}
{{end}}

{{define "offline_customer"}}
<p>{{.Customer.Name}} 様</p>
<p>ご注文ありがとうございます。</p>
<p>お支払い方法：<strong>{{.MethodLabel}}</strong></p>
<p>ご入金（または受取時お支払い）の確認後に、発送手配します。</p>
<p>ご注文番号：<strong>{{.OrderID}}</strong></p>
<hr>
{{template "lines" .}}
<p>{{.ShopName}}</p>
{{end}}

{{define "offline_admin"}}
<p>新しい注文がありました（未入金）。</p>
<p>注文番号：<strong>{{.OrderID}}</strong></p>
<p>支払い方法：<strong>{{.MethodLabel}}</strong></p>
<hr>
{{template "customer" .}}
<hr>
<h3>明細</h3>
{{template "lines" .}}
{{end}}

{{define "paid_customer"}}
<p>ご入金を確認しました。</p>
<p>注文番号：<strong>{{.OrderID}}</strong></p>
{{if .Total}}<p>お支払い金額：{{amount .Total .Currency}}</p>{{end}}
<p>発送まで今しばらくお待ちください。</p>
<p>{{.ShopName}}</p>
{{end}}

{{define "paid_admin"}}
<p>入金を確認しました。在庫を引き当て済みです。</p>
<p>注文番号：<strong>{{.OrderID}}</strong></p>
<p>決済：{{.Provider}} / {{.MethodLabel}}</p>
{{if .Total}}<p>金額：{{amount .Total .Currency}}</p>{{end}}
<p>購入者メール：{{if .Customer.Email}}{{.Customer.Email}}{{else}}（取得できませんでした）{{end}}</p>
{{template "lines" .}}
{{end}}

{{define "stock_rejected_admin"}}
<p><strong>入金済みですが在庫を引き当てられませんでした。手動での返金対応が必要です。</strong></p>
<p>注文番号：<strong>{{.OrderID}}</strong></p>
<p>決済：{{.Provider}} / {{.MethodLabel}}</p>
{{if .Total}}<p>金額：{{amount .Total .Currency}}</p>{{end}}
<p>在庫不足の商品：</p>
<ul>
{{- range .Shortage}}
  <li>{{.}}</li>
{{- end}}
</ul>
<p>購入者メール：{{.Customer.Email}}</p>
{{end}}
`

var templates = template.Must(template.New("mail").Funcs(template.FuncMap{
	"amount": domain.FormatAmount,
}).Parse(mailTemplates))

type lineView struct {
	Name      string
	Quantity  int64
	UnitPrice int64
}

type mailView struct {
	ShopName    string
	OrderID     string
	Provider    string
	MethodLabel string
	Customer    domain.Customer
	Notes       template.HTML
	Lines       []lineView
	ShippingFee int64
	Total       int64
	Currency    string
	Shortage    []string
}

func render(name string, view mailView) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, view); err != nil {
		return "", fmt.Errorf("notifications: render %s: %w", name, err)
	}
	return buf.String(), nil
}
