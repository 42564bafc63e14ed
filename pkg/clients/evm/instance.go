package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/clients/evm/parser"
	"github.com/scalarorg/oracle-bridge/pkg/types"
)

// ResolveInstance reads the connector from the OAR and checks the connector
// accepts callbacks from account.
func ResolveInstance(ctx context.Context, gateway Gateway, oar common.Address, account common.Address) (*types.Instance, error) {
	connector, err := callAddress(ctx, gateway, oar, parser.GetOarAbi().Methods["getAddress"].ID, "getAddress")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connector from OAR %s: %w", oar.Hex(), err)
	}
	if connector == (common.Address{}) {
		return nil, fmt.Errorf("OAR %s has no connector set", oar.Hex())
	}
	cbAddress, err := callAddress(ctx, gateway, connector, parser.GetConnectorAbi().Methods["cbAddress"].ID, "cbAddress")
	if err != nil {
		return nil, fmt.Errorf("failed to read callback address of connector %s: %w", connector.Hex(), err)
	}
	if cbAddress != account {
		return nil, fmt.Errorf("connector %s expects callbacks from %s, bridge account is %s",
			connector.Hex(), cbAddress.Hex(), account.Hex())
	}
	log.Info().Str("oar", oar.Hex()).
		Str("connector", connector.Hex()).
		Str("callbackAddress", account.Hex()).
		Msg("[EvmClient] [ResolveInstance] oracle instance is valid")
	return &types.Instance{OAR: oar, Connector: connector, CallbackFrom: account}, nil
}

func callAddress(ctx context.Context, gateway Gateway, contract common.Address, selector []byte, method string) (common.Address, error) {
	output, err := gateway.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: selector})
	if err != nil {
		return common.Address{}, err
	}
	var values []any
	switch method {
	case "getAddress":
		values, err = parser.GetOarAbi().Unpack(method, output)
	default:
		values, err = parser.GetConnectorAbi().Unpack(method, output)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("unexpected %s output", method)
	}
	address, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s output type %T", method, values[0])
	}
	return address, nil
}
