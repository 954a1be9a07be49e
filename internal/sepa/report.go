package sepa

import (
	"fmt"

	"github.com/Dan9191/dues-service/internal/models"
	"github.com/beevik/etree"
)

// ParseStatusReport reads a pain.002 customer payment status report. A group
// status of RJCT rejects the whole message; transaction statuses of RJCT are
// per line returns.
func ParseStatusReport(data []byte) (*models.SettlementReport, error) {
	x := etree.NewDocument()
	if err := x.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	root := x.FindElement("//CstmrPmtStsRpt")
	if root == nil {
		return nil, fmt.Errorf("CstmrPmtStsRpt element not found")
	}
	return parseStatusReportElement(root)
}

// ParseStatusReports reads several reports wrapped in any container element.
func ParseStatusReports(data []byte) ([]*models.SettlementReport, error) {
	x := etree.NewDocument()
	if err := x.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	var out []*models.SettlementReport
	for _, el := range x.FindElements("//CstmrPmtStsRpt") {
		r, err := parseStatusReportElement(el)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parseStatusReportElement(root *etree.Element) (*models.SettlementReport, error) {
	grp := root.FindElement("./OrgnlGrpInfAndSts")
	if grp == nil {
		return nil, fmt.Errorf("OrgnlGrpInfAndSts element not found")
	}
	msgID := grp.FindElement("./OrgnlMsgId")
	if msgID == nil || msgID.Text() == "" {
		return nil, fmt.Errorf("OrgnlMsgId is missing")
	}

	report := &models.SettlementReport{MessageID: msgID.Text()}
	if sts := grp.FindElement("./GrpSts"); sts != nil && sts.Text() == "RJCT" {
		report.Rejected = true
		report.RejectionCode = reasonCode(grp)
		report.RejectionReason = "Message rejected by bank"
		if report.RejectionCode != "" {
			report.RejectionReason += " (" + report.RejectionCode + ")"
		}
		if info := grp.FindElement("./StsRsnInf/AddtlInf"); info != nil {
			report.RejectionReason += ": " + info.Text()
		}
	}

	for _, tx := range root.FindElements(".//TxInfAndSts") {
		idEl := tx.FindElement("./OrgnlEndToEndId")
		if idEl == nil {
			return nil, fmt.Errorf("TxInfAndSts without OrgnlEndToEndId")
		}
		line := models.LineResult{EndToEndID: idEl.Text()}
		if sts := tx.FindElement("./TxSts"); sts != nil && sts.Text() == "RJCT" {
			line.Returned = true
			line.ReturnCode = reasonCode(tx)
		}
		report.Lines = append(report.Lines, line)
	}
	return report, nil
}

func reasonCode(el *etree.Element) string {
	if cd := el.FindElement("./StsRsnInf/Rsn/Cd"); cd != nil {
		return cd.Text()
	}
	return ""
}
